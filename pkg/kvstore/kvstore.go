package kvstore

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// ErrClosed 未打开或已关闭
var ErrClosed = errors.New("kvstore: not opened")

// Store 基于 Badger 的小型 JSON KV；用于重启后恢复 strike 与策略状态。
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes；为空则不加密
	InMemory      bool   // 测试用
}

func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(opts.Path) == "":
		return nil, errors.New("kvstore: path is required")
	default:
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密需要 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "打开 badger")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// GetJSON 读取 key 并解码到 out；不存在时返回 false
func (s *Store) GetJSON(key string, out any) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	k, err := normKey(key)
	if err != nil {
		return false, err
	}
	found := false
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		return false, errors.Wrapf(err, "读取 %s", key)
	}
	return found, nil
}

// PutJSON 编码并写入；ttl > 0 时到期自动删除
func (s *Store) PutJSON(key string, v any, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	k, err := normKey(key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "编码 %s", key)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(k, b)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Delete 删除 key（不存在不报错）
func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	k, err := normKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// Keys 列出指定前缀的 key
func (s *Store) Keys(prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

func normKey(key string) ([]byte, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil, errors.New("kvstore: key is empty")
	}
	return []byte(k), nil
}

// ParseKey 解析 32 字节密钥（hex 或 base64）；空输入返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, errors.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
