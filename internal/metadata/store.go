// ============================================================================
// Escrow Ledger 內容定址儲存 - 工作描述與交付成果
// ============================================================================
//
// Package: internal/metadata
// 文件: store.go
// 功能: 以內容雜湊為參照保存 JSON 文件，帳本只保存參照字串
//
// 參照格式 (CIDv0):
//   base58btc( 0x12 0x20 || sha256(canonical JSON) )，以 "Qm" 開頭，共 46 字元
//   canonical JSON：物件鍵依字典序排列、無多餘空白，相同內容永遠得到相同參照
//
// 儲存結構:
//   <dir>/<ref>.json，寫入使用 temp file + rename，重複寫入相同內容是 no-op
//
// ============================================================================

package metadata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mr-tron/base58"
)

var log = slog.Default()

const (
	// multihash 前綴：sha2-256，長度 32
	hashCodeSHA256 = 0x12
	hashLenSHA256  = 0x20

	// MaxDocumentSize 單一文件大小上限
	MaxDocumentSize = 10 << 20
)

var (
	// ErrNotFound 參照不存在
	ErrNotFound = errors.New("metadata not found")
	// ErrInvalidRef 參照格式錯誤
	ErrInvalidRef = errors.New("invalid content reference")
	// ErrInvalidDocument 內容不是 JSON 物件或超過大小上限
	ErrInvalidDocument = errors.New("invalid metadata document")
	// ErrCorrupted 儲存的內容與參照不符
	ErrCorrupted = errors.New("stored metadata does not match its reference")
)

// Store 內容定址的 JSON 文件儲存
type Store interface {
	Put(ctx context.Context, doc []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ============================================================================
// 參照計算
// ============================================================================

// Canonicalize 將 JSON 物件轉為正規形式
func Canonicalize(doc []byte) ([]byte, error) {
	if len(doc) > MaxDocumentSize {
		return nil, errors.Wrapf(ErrInvalidDocument, "%d bytes exceeds %d", len(doc), MaxDocumentSize)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrapf(ErrInvalidDocument, "%v", err)
	}
	if obj == nil {
		return nil, errors.Wrap(ErrInvalidDocument, "document must be a JSON object")
	}
	if dec.More() {
		return nil, errors.Wrap(ErrInvalidDocument, "trailing data after JSON object")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, errors.Wrap(err, "encode canonical json")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeRef 計算正規文件的 CIDv0 參照
func ComputeRef(canonical []byte) string {
	digest := sha256.Sum256(canonical)
	mh := make([]byte, 0, 2+len(digest))
	mh = append(mh, hashCodeSHA256, hashLenSHA256)
	mh = append(mh, digest[:]...)
	return base58.Encode(mh)
}

// NormalizeRef 去除 "ipfs://" 與 "/ipfs/" 前綴並驗證格式
func NormalizeRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "ipfs://")
	ref = strings.TrimPrefix(ref, "/ipfs/")

	raw, err := base58.Decode(ref)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidRef, "%q: %v", ref, err)
	}
	if len(raw) != 2+hashLenSHA256 || raw[0] != hashCodeSHA256 || raw[1] != hashLenSHA256 {
		return "", errors.Wrapf(ErrInvalidRef, "%q is not a sha2-256 multihash", ref)
	}
	return ref, nil
}

// ============================================================================
// LocalStore
// ============================================================================

// LocalStore 以目錄保存文件
//
// 併發安全：寫入使用唯一的暫存檔與原子 rename，可多個 goroutine 同時使用
type LocalStore struct {
	dir string
}

// NewLocalStore 建立儲存目錄（若不存在）
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create metadata dir %s", dir)
	}
	return &LocalStore{dir: dir}, nil
}

// Dir 儲存目錄
func (s *LocalStore) Dir() string {
	return s.dir
}

// Put 保存文件，回傳參照
func (s *LocalStore) Put(ctx context.Context, doc []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	canonical, err := Canonicalize(doc)
	if err != nil {
		return "", err
	}
	ref := ComputeRef(canonical)
	path := s.path(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp, err := os.CreateTemp(s.dir, ref+".*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create temp metadata file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(canonical); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "write metadata")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "close metadata")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "rename metadata")
	}

	log.Debug("metadata stored", "ref", ref, "bytes", len(canonical))
	return ref, nil
}

// Get 讀取文件並驗證內容與參照相符
func (s *LocalStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref, err := NormalizeRef(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "ref %s", ref)
		}
		return nil, errors.Wrapf(err, "read metadata %s", ref)
	}
	if ComputeRef(data) != ref {
		return nil, errors.Wrapf(ErrCorrupted, "ref %s", ref)
	}
	return data, nil
}

func (s *LocalStore) path(ref string) string {
	return filepath.Join(s.dir, ref+".json")
}
