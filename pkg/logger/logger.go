package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// savedConfig 保存的日志配置（用于日志轮转）
	savedConfig Config
	// currentPeriod 当前周期时间戳
	currentPeriod int64
	// marketSlugPrefix / marketTimestamp 当前市场（从 slug 提取），例如 btc-updown-15m- / 1765985400
	marketSlugPrefix string
	marketTimestamp  int64
	// logMu 日志文件切换锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level         string        // 日志级别: debug, info, warn, error
	OutputFile    string        // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize       int           // 日志文件最大大小（MB）
	MaxBackups    int           // 保留的旧日志文件数量
	MaxAge        int           // 保留旧日志文件的天数
	Compress      bool          // 是否压缩旧日志文件
	LogByCycle    bool          // 是否按市场周期命名日志文件
	CycleDuration time.Duration // 周期时长（默认15分钟）
	FileOnly      bool          // 不输出到控制台（终端面板模式）
}

func (c Config) cycle() time.Duration {
	if c.CycleDuration <= 0 {
		return 15 * time.Minute
	}
	return c.CycleDuration
}

func newFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	}
}

// getCurrentPeriod 已知市场时间戳优先，否则按周期对齐当前时间
func getCurrentPeriod(cycle time.Duration) int64 {
	if marketTimestamp > 0 {
		return marketTimestamp
	}
	return time.Now().Truncate(cycle).Unix()
}

// SetMarket 设置当前市场 slug 前缀与周期时间戳
// 例如：btc-updown-15m-1765985400 -> ("btc-updown-15m-", 1765985400)
func SetMarket(slugPrefix string, timestamp int64) {
	logMu.Lock()
	defer logMu.Unlock()
	marketSlugPrefix = slugPrefix
	marketTimestamp = timestamp
}

// getLogFileName 根据周期生成日志文件名
func getLogFileName(basePath string, period int64) string {
	dir := filepath.Dir(basePath)
	baseName := filepath.Base(basePath)
	ext := filepath.Ext(baseName)

	var name string
	if marketTimestamp > 0 && period == marketTimestamp && marketSlugPrefix != "" {
		// 市场格式：btc-updown-15m-{timestamp}.log
		name = fmt.Sprintf("%s%d%s", marketSlugPrefix, period, ext)
	} else {
		// 日期时间格式：signalbot_2025-12-17_22-30.log
		name = fmt.Sprintf("%s_%s%s", baseName[:len(baseName)-len(ext)], time.Unix(period, 0).Format("2006-01-02_15-04"), ext)
	}
	if dir == "." || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// install 按配置构建输出并替换全局 logger（调用方持有 logMu）
func install(config Config, logFilePath string) error {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(newFormatter())

	var writers []io.Writer
	if !config.FileOnly || logFilePath == "" {
		writers = append(writers, os.Stdout)
	}
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	}
	currentLogFile = logFilePath

	multiWriter := io.MultiWriter(writers...)
	logger.SetOutput(multiWriter)

	// 同时设置全局 logrus，各包的 logrus.WithField() 也写入同一输出
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter())

	Logger = logger
	return nil
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	savedConfig = config
	path := config.OutputFile
	if path != "" && config.LogByCycle {
		currentPeriod = getCurrentPeriod(config.cycle())
		path = getLogFileName(config.OutputFile, currentPeriod)
	}
	return install(config, path)
}

// CheckAndRotateLog 检查并切换日志文件（如果周期变化）
func CheckAndRotateLog() error {
	return rotate(false)
}

// RotateForMarket 切换到新市场时强制切换日志文件
func RotateForMarket(slugPrefix string, timestamp int64) error {
	SetMarket(slugPrefix, timestamp)
	return rotate(true)
}

func rotate(force bool) error {
	logMu.Lock()
	defer logMu.Unlock()

	cfg := savedConfig
	if !cfg.LogByCycle || cfg.OutputFile == "" {
		return nil
	}
	period := getCurrentPeriod(cfg.cycle())
	if !force && period == currentPeriod {
		return nil
	}
	path := getLogFileName(cfg.OutputFile, period)
	if path == currentLogFile {
		currentPeriod = period
		return nil
	}

	old := currentLogFile
	currentPeriod = period
	if err := install(cfg, path); err != nil {
		return err
	}
	Logger.Infof("[日志切换] %s -> %s", old, path)
	return nil
}

// StartLogRotationChecker 启动日志轮转检查器，在 stop 关闭时退出
func StartLogRotationChecker(stop <-chan struct{}) {
	if !savedConfig.LogByCycle || savedConfig.OutputFile == "" {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := CheckAndRotateLog(); err != nil {
					Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Info 记录 INFO 级别日志
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
