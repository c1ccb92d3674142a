package audit

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID           string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence     int64  `parquet:"name=sequence, type=INT64"`
	Height       int64  `parquet:"name=height, type=INT64"`
	Method       string `parquet:"name=method, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sender       string `parquet:"name=sender, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralID string `parquet:"name=collateral_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome      string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error        string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes   string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	Effects      string `parquet:"name=effects, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt    string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest       string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet encodes entries as a snappy-compressed Parquet file into w.
// The file is assembled in memory so a failed encode writes nothing.
func WriteParquet(w io.Writer, entries []Entry) error {
	var buf bytes.Buffer
	fw := writerfile.NewWriterFile(&buf)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		row := &parquetRow{
			ID:           entry.ID.String(),
			Sequence:     int64(entry.Sequence),
			Height:       int64(entry.Height),
			Method:       entry.Method,
			Sender:       entry.Sender,
			CollateralID: entry.CollateralID,
			Status:       entry.Status,
			Outcome:      entry.Outcome,
			Error:        entry.Error,
			Attributes:   entry.Attributes,
			Effects:      entry.Effects,
			CreatedAt:    entry.CreatedAt.UTC().Format(time.RFC3339Nano),
			Digest:       entry.Digest,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("audit: parquet output: %w", err)
	}
	return nil
}
