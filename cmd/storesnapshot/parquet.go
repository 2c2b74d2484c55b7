package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"tradenet/p2p/payload"
	"tradenet/p2p/store"
)

type statisticsRow struct {
	Hash          string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency      string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         int64  `parquet:"name=price, type=INT64"`
	Amount        int64  `parquet:"name=amount, type=INT64"`
	PaymentMethod string `parquet:"name=payment_method, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date          string `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mediator      string `parquet:"name=mediator, type=BYTE_ARRAY, convertedtype=UTF8"`
	RefundAgent   string `parquet:"name=refund_agent, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// exportStatistics writes the trade statistics as a Parquet table ordered by
// trade date.
func exportStatistics(path string, entries map[store.ByteArray]*payload.TradeStatistics) (int, error) {
	rows := make([]*statisticsRow, 0, len(entries))
	for key, s := range entries {
		rows = append(rows, &statisticsRow{
			Hash:          key.Hex(),
			Currency:      s.Currency,
			Price:         s.Price,
			Amount:        s.Amount,
			PaymentMethod: s.PaymentMethod,
			Date:          s.Date().UTC().Format(time.RFC3339),
			Mediator:      s.Mediator,
			RefundAgent:   s.RefundAgent,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date < rows[j].Date
		}
		return rows[i].Hash < rows[j].Hash
	})

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(statisticsRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close parquet file: %w", err)
	}
	return len(rows), nil
}
