// v1
// internal/ledger/file_ledger.go
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// FileLedger is an append-only JSONL store of hash-chained trades.
type FileLedger struct {
	mu       sync.RWMutex
	path     string
	log      *slog.Logger
	file     *os.File
	writer   *bufio.Writer
	now      func() time.Time
	trades   []*Trade
	lastSeq  int64
	lastHash string
}

// NewFileLedger opens or creates the ledger at path and validates the
// chain already stored there.
func NewFileLedger(path string, log *slog.Logger) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fl := &FileLedger{
		path: path,
		log:  log.With(slog.String("component", "ledger")),
		file: f,
		now:  time.Now,
	}
	if err := fl.load(); err != nil {
		f.Close()
		return nil, err
	}
	return fl, nil
}

func (fl *FileLedger) load() error {
	fl.log.Info("loading", slog.String("path", fl.path))
	if _, err := fl.file.Seek(0, 0); err != nil {
		return err
	}
	fl.trades = nil
	fl.lastSeq = 0
	fl.lastHash = ""
	err := scanTrades(fl.file, func(line int, tr *Trade) error {
		if err := checkLink(tr, fl.lastSeq, fl.lastHash); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		fl.trades = append(fl.trades, tr)
		fl.lastSeq = tr.Seq
		fl.lastHash = tr.Hash
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := fl.file.Seek(0, 2); err != nil {
		return err
	}
	fl.writer = bufio.NewWriter(fl.file)
	fl.log.Info("loaded", slog.Int("records", len(fl.trades)), slog.Int64("lastSeq", fl.lastSeq))
	return nil
}

// RecordTrade chains tr onto the ledger and persists it before returning the
// stored copy. Seq, RecordedAt, PrevHash and Hash are assigned here; an
// empty ID gets a fresh UUID.
func (fl *FileLedger) RecordTrade(ctx context.Context, tr Trade) (Trade, error) {
	if err := ctx.Err(); err != nil {
		return Trade{}, err
	}
	if strings.TrimSpace(tr.Seller) == "" {
		return Trade{}, errors.New("trade seller must not be empty")
	}
	if tr.EnergyAmountWh < 0 {
		return Trade{}, fmt.Errorf("trade energy amount %d is negative", tr.EnergyAmountWh)
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return Trade{}, errors.New("ledger closed")
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	tr.Seq = fl.lastSeq + 1
	tr.RecordedAt = fl.now().UTC()
	tr.PrevHash = fl.lastHash
	hash, err := tr.ComputeHash()
	if err != nil {
		return Trade{}, err
	}
	tr.Hash = hash
	payload, err := json.Marshal(tr)
	if err != nil {
		return Trade{}, err
	}
	if _, err := fl.writer.Write(payload); err != nil {
		return Trade{}, err
	}
	if err := fl.writer.WriteByte('\n'); err != nil {
		return Trade{}, err
	}
	if err := fl.writer.Flush(); err != nil {
		return Trade{}, err
	}
	if err := fl.file.Sync(); err != nil {
		return Trade{}, err
	}
	stored := tr
	fl.trades = append(fl.trades, &stored)
	fl.lastSeq = tr.Seq
	fl.lastHash = tr.Hash
	fl.log.Info("trade_recorded", slog.Int64("seq", tr.Seq), slog.String("id", tr.ID), slog.String("seller", tr.Seller), slog.Int64("amountWh", tr.EnergyAmountWh))
	return tr, nil
}

// Get returns the trade with the given id.
func (fl *FileLedger) Get(id string) (Trade, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	for _, tr := range fl.trades {
		if tr.ID == id {
			return *tr, nil
		}
	}
	return Trade{}, ErrNotFound
}

// List pages through trades in ledger order, optionally for one seller.
// page is 1-based; size defaults to 50.
func (fl *FileLedger) List(seller string, page, size int) ([]Trade, int) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	filtered := make([]Trade, 0, len(fl.trades))
	for _, tr := range fl.trades {
		if seller != "" && !strings.EqualFold(tr.Seller, seller) {
			continue
		}
		filtered = append(filtered, *tr)
	}
	total := len(filtered)
	if size <= 0 {
		size = 50
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * size
	if start >= total {
		return []Trade{}, total
	}
	end := start + size
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

type VerifyReport struct {
	Records  int    `json:"records"`
	LastSeq  int64  `json:"lastSeq"`
	LastHash string `json:"lastHash"`
}

// Verify re-reads the file from disk and checks every hash and link.
func (fl *FileLedger) Verify() (VerifyReport, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	var report VerifyReport
	f, err := os.Open(fl.path)
	if err != nil {
		return report, err
	}
	defer f.Close()
	err = scanTrades(f, func(line int, tr *Trade) error {
		if err := checkLink(tr, report.LastSeq, report.LastHash); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		report.Records++
		report.LastSeq = tr.Seq
		report.LastHash = tr.Hash
		return nil
	})
	return report, err
}

// Close flushes and closes the file.
func (fl *FileLedger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return nil
	}
	flushErr := fl.writer.Flush()
	closeErr := fl.file.Close()
	fl.file = nil
	return errors.Join(flushErr, closeErr)
}

func scanTrades(f *os.File, visit func(line int, tr *Trade) error) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var tr Trade
		if err := json.Unmarshal(raw, &tr); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := visit(line, &tr); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func checkLink(tr *Trade, prevSeq int64, prevHash string) error {
	if tr.Seq != prevSeq+1 {
		return fmt.Errorf("seq mismatch id=%s: got %d want %d", tr.ID, tr.Seq, prevSeq+1)
	}
	if tr.PrevHash != prevHash {
		return fmt.Errorf("prevHash mismatch id=%s", tr.ID)
	}
	h, err := tr.ComputeHash()
	if err != nil {
		return err
	}
	if h != tr.Hash {
		return fmt.Errorf("hash mismatch id=%s", tr.ID)
	}
	return nil
}
