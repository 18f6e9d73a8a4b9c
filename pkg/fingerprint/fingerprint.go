// Package fingerprint 上传文件的内容指纹（与后端一致的 SHA-256）
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Fingerprint 文件指纹
type Fingerprint struct {
	Hash string // 十六进制 SHA-256
	Size int64
}

// String 形如 <hash>_<size>
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s_%d", f.Hash, f.Size)
}

// Reader 计算 r 全部内容的指纹
func Reader(r io.Reader) (Fingerprint, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("计算文件哈希失败: %w", err)
	}
	return Fingerprint{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// File 计算本地文件的指纹
func File(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()
	return Reader(f)
}
