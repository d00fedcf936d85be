package execution

import (
	"fmt"
	"strings"

	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
)

// DefaultDerivationPath 以太坊默认派生路径
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// DeriveOwnerAddress 从助记词派生下单 owner 地址（小写 0x 地址）。私钥不保留。
func DeriveOwnerAddress(mnemonic, derivationPath string) (string, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	derivationPath = strings.TrimSpace(derivationPath)
	if mnemonic == "" {
		return "", fmt.Errorf("助记词为空")
	}
	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}

	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("助记词无效: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return "", fmt.Errorf("派生路径无效: %w", err)
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return "", fmt.Errorf("派生失败: %w", err)
	}
	return strings.ToLower(acct.Address.Hex()), nil
}
