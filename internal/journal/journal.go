package journal

// ============================================================================
// 事件日誌 (Journal)
// 職責：
// 1. 以 append-only JSONL 記錄所有廣播的佇列事件（稽核用）
// 2. 每筆項目帶 CRC32 校驗和，重放時驗證
// 3. 批次寫入：緩衝滿、超過刷新間隔或強制時才寫入檔案
// 4. 支援日誌旋轉，舊檔以 gzip 壓縮保存
//
// Journal 實作 events.Observer，由事件扇出中心推送；
// 它只是稽核紀錄，佇列狀態不從日誌恢復。
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Entry 日誌項目（JSON Lines 格式，一行一筆）
type Entry struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	JobID     string          `json:"job_id,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
	Data      json.RawMessage `json:"data,omitempty"`
	Checksum  uint32          `json:"checksum"`
}

// Handler 重放時對每筆項目呼叫；回傳錯誤會中止重放
type Handler func(Entry) error

// Options 日誌配置
type Options struct {
	BufferSize    int           // 緩衝項目數，達到即寫入
	FlushInterval time.Duration // 距上次寫入超過此時間即寫入
	SyncOnFlush   bool          // 寫入後是否 fsync
}

// Journal 事件日誌實例
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    uint64
	opts   Options
	closed bool

	buffer        []Entry
	lastFlushTime time.Time
}

/*
Open 建立或開啟日誌檔案

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案已存在時讀取最後一筆項目的 seq 並接續
- 以 O_APPEND 開啟，寫入不覆蓋舊資料
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	seq, err := lastSeq(path)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Journal{
		file:          file,
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// lastSeq 掃描檔案取得最後一筆可解碼項目的 seq；尾端殘缺的行會被忽略
func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read journal: %w", err)
	}
	defer f.Close()

	var seq uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if json.Unmarshal(scanner.Bytes(), &e) == nil && e.Seq > seq {
			seq = e.Seq
		}
	}
	return seq, scanner.Err()
}

// Path returns the active journal file.
func (j *Journal) Path() string { return j.path }

// Size 回傳已寫入檔案的位元組數（不含緩衝區）
func (j *Journal) Size() (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	info, err := j.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat journal: %w", err)
	}
	return info.Size(), nil
}

// Seq returns the sequence number of the last appended entry.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Append 追加一筆事件
//
// 參數：
//   - evt: 佇列事件
//   - force: 是否立即寫入檔案
func (j *Journal) Append(evt types.Event, force bool) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	jobID, _ := evt.Data["job_id"].(string)
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	e := Entry{
		Seq:       j.seq,
		Type:      evt.Type,
		JobID:     jobID,
		Timestamp: ts.UnixMilli(),
		Data:      data,
	}
	e.Checksum = Checksum(e)
	j.buffer = append(j.buffer, e)

	if force || len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Notify 實作 events.Observer
func (j *Journal) Notify(evt types.Event) error {
	return j.Append(evt, false)
}

// Flush 將緩衝區寫入檔案
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		j.lastFlushTime = time.Now()
		return nil
	}

	w := bufio.NewWriter(j.file)
	enc := json.NewEncoder(w)
	for _, e := range j.buffer {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode journal entry %d: %w", e.Seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if j.opts.SyncOnFlush {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}

	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return nil
}

// Replay 從頭重放目前的日誌檔案（先寫入緩衝區）
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			j.mu.Unlock()
			return err
		}
	}
	path := j.path
	j.mu.Unlock()

	return ReplayFile(path, handler)
}

// ReplayFile 重放任一日誌檔案；副檔名為 .gz 時自動解壓
//
// 行為：
//   - 逐行解碼並驗證校驗和
//   - 解碼失敗回傳 *CorruptionError，校驗和不符回傳 *ChecksumError
//   - handler 回傳錯誤時立即停止
func ReplayFile(path string, handler Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open compressed journal: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := Verify(e); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Rotate 旋轉日誌檔案
//
// 目前的檔案改名為 path.<時間戳> 並壓縮為 .gz，之後在原路徑建立新檔。
// seq 跨檔案延續，不歸零。
//
// 返回值：壓縮後的檔案路徑
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrClosed
	}

	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close journal: %w", err)
	}

	backup := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backup); err != nil {
		return "", fmt.Errorf("failed to rename journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	j.lastFlushTime = time.Now()

	compressed, err := compressFile(backup)
	if err != nil {
		// 壓縮失敗時保留未壓縮的舊檔
		return backup, err
	}
	return compressed, nil
}

// compressFile gzips src into src.gz and removes src.
func compressFile(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open rotated journal: %w", err)
	}
	defer in.Close()

	dst := src + ".gz"
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create compressed journal: %w", err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("failed to compress journal: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("failed to compress journal: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	in.Close()
	if err := os.Remove(src); err != nil {
		return dst, fmt.Errorf("failed to remove rotated journal: %w", err)
	}
	return dst, nil
}

// Close 寫入剩餘緩衝並關閉檔案，可重複呼叫
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	closeErr := j.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
