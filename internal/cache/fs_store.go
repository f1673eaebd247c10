package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	storeMarkerFile = ".store"
	entrySuffix     = ".entry"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存。磁盘布局遵循：
//
//	<basePath>/<store>/.store            # 创建时间（UnixNano），用于 Keys 排序
//	<basePath>/<store>/<sha256>.entry    # 单行 JSON 元数据 + '\n' + 响应正文
//
// 每个条目只有一个文件、只 rename 一次，读者总能看到某次 Put 的完整快照。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

// fileMeta 是 .entry 文件首行的 JSON 结构。
type fileMeta struct {
	Key      Key                 `json:"key"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header"`
	URL      string              `json:"url"`
	StoredAt time.Time           `json:"stored_at"`
	Size     int64               `json:"size"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := ensureStoreDir(dir); err != nil {
		return nil, err
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type named struct {
		name    string
		created int64
	}
	stores := make([]named, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || validateStoreName(entry.Name()) != nil {
			continue
		}
		stores = append(stores, named{
			name:    entry.Name(),
			created: readCreated(filepath.Join(s.basePath, entry.Name())),
		})
	}
	sort.SliceStable(stores, func(i, j int) bool {
		if stores[i].created != stores[j].created {
			return stores[i].created < stores[j].created
		}
		return stores[i].name < stores[j].name
	})

	names := make([]string, len(stores))
	for i, store := range stores {
		names[i] = store.name
	}
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidStoreName
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (f *fileStore) Name() string {
	return f.name
}

func (f *fileStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta, body, err := readEntry(f.entryPath(key), true)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	return &Snapshot{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		URL:      meta.URL,
		StoredAt: meta.StoredAt,
	}, nil
}

func (f *fileStore) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("nil snapshot")
	}
	unlock := f.storage.lockEntry(f.name + "::" + key.String())
	defer unlock()

	if err := ensureStoreDir(f.dir); err != nil {
		return err
	}

	meta := fileMeta{
		Key:      key,
		Status:   snapshot.Status,
		Header:   snapshot.Header,
		URL:      snapshot.URL,
		StoredAt: snapshot.StoredAt,
		Size:     int64(len(snapshot.Body)),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	entry := io.MultiReader(bytes.NewReader(encoded), strings.NewReader("\n"), bytes.NewReader(snapshot.Body))
	_, err = writeAtomic(ctx, f.entryPath(key), entry)
	return err
}

func (f *fileStore) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := f.storage.lockEntry(f.name + "::" + key.String())
	defer unlock()

	err := os.Remove(f.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *fileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, _, err := readEntry(filepath.Join(f.dir, entry.Name()), false)
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (f *fileStore) entryPath(key Key) string {
	return filepath.Join(f.dir, key.Hash()+entrySuffix)
}

func ensureStoreDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	marker := filepath.Join(dir, storeMarkerFile)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(marker, []byte(stamp), 0o644); err != nil {
		return err
	}
	return nil
}

func readCreated(dir string) int64 {
	raw, err := os.ReadFile(filepath.Join(dir, storeMarkerFile))
	if err != nil {
		return 0
	}
	created, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return created
}

// readEntry 读取条目文件；withBody 为 false 时只解析首行元数据。
func readEntry(path string, withBody bool) (fileMeta, []byte, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileMeta{}, nil, ErrNotFound
		}
		return fileMeta{}, nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fileMeta{}, nil, fmt.Errorf("read cache entry %s: %w", path, err)
	}
	var meta fileMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return fileMeta{}, nil, fmt.Errorf("decode cache meta %s: %w", path, err)
	}
	if !withBody {
		return meta, nil, nil
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return fileMeta{}, nil, fmt.Errorf("read cache body %s: %w", path, err)
	}
	if int64(len(body)) != meta.Size {
		return fileMeta{}, nil, fmt.Errorf("cache entry %s truncated: %d/%d bytes", path, len(body), meta.Size)
	}
	return meta, body, nil
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
