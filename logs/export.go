// Package logs periodically flushes the FastLog's append-only system
// log mirror to parquet, the same way the teacher's reconciler batches
// its reports: one columnar file per window, rewritten wholesale
// rather than appended to since the source of truth is the KV mirror,
// not the file.
package logs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/solpool/poolrund/ledger"
)

type parquetEntry struct {
	Seq       int64  `parquet:"name=seq, type=INT64"`
	RunID     string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type      string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Message   string `parquet:"name=message, type=BYTE_ARRAY, convertedtype=UTF8"`
	Metadata  string `parquet:"name=metadata, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Exporter periodically copies new FastLog entries into dated parquet
// files under a directory, so an operator has a columnar audit trail
// independent of the SQL/gorm store. Exported entries are not removed
// from the KV mirror.
type Exporter struct {
	log       *ledger.FastLog
	outputDir string
	lastSeq   uint64
}

// NewExporter constructs an Exporter writing to outputDir.
func NewExporter(log *ledger.FastLog, outputDir string) *Exporter {
	return &Exporter{log: log, outputDir: outputDir}
}

// Flush writes every entry appended since the last Flush call to a new
// parquet file named after the flush time, and advances the
// checkpoint. A flush with no new entries is a no-op.
func (e *Exporter) Flush(now time.Time) error {
	entries, err := e.log.Since(e.lastSeq)
	if err != nil {
		return fmt.Errorf("logs: read fast log since %d: %w", e.lastSeq, err)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return fmt.Errorf("logs: create output dir: %w", err)
	}
	path := filepath.Join(e.outputDir, fmt.Sprintf("syslog-%s.parquet", now.UTC().Format("20060102T150405")))
	if err := writeParquet(path, entries); err != nil {
		return err
	}
	e.lastSeq = entries[len(entries)-1].Seq
	return nil
}

func writeParquet(path string, entries []ledger.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("logs: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEntry), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("logs: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range entries {
		metadata := ""
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err == nil {
				metadata = string(b)
			}
		}
		row := &parquetEntry{
			Seq:       int64(e.Seq),
			RunID:     e.RunID,
			Type:      e.Type,
			Message:   e.Message,
			Metadata:  metadata,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("logs: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("logs: parquet flush: %w", err)
	}
	return file.Close()
}
