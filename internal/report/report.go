// Package report exports the sync state and history as xlsx workbooks.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
	"github.com/septianibnyohan/gdrive-syncer/pkg/utils"
)

const (
	historySheet = "History"
	itemsSheet   = "Items"
	statsSheet   = "Summary"
)

// WriteHistory writes entries, one row each, to w.
func WriteHistory(w io.Writer, entries []models.HistoryEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []interface{}{
			e.ID, e.Timestamp.Format(time.RFC3339), e.RemoteID, string(e.Operation), string(e.Outcome), e.Message,
		})
	}
	header := []interface{}{"ID", "Timestamp", "Remote ID", "Operation", "Outcome", "Message"}
	if err := writeTable(f, historySheet, header, rows); err != nil {
		return err
	}
	return write(f, w)
}

// WriteStatus writes the tracked records and the aggregate stats to w.
func WriteStatus(w io.Writer, records []models.ItemRecord, stats *models.Stats) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", itemsSheet); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		rows = append(rows, []interface{}{
			r.RemoteID, r.LocalPath, string(r.Kind), string(r.State), r.Checksum,
			utils.FormatSize(r.Size), formatTime(r.RemoteModifiedAt), formatTime(r.LocalSyncedAt), r.Deleted,
		})
	}
	header := []interface{}{"Remote ID", "Local Path", "Kind", "State", "Checksum", "Size", "Remote Modified", "Synced At", "Deleted"}
	if err := writeTable(f, itemsSheet, header, rows); err != nil {
		return err
	}

	if stats != nil {
		if _, err := f.NewSheet(statsSheet); err != nil {
			return err
		}
		summary := [][]interface{}{
			{"Total items", stats.TotalItems},
			{"Total size", utils.FormatSize(stats.TotalSize)},
			{"Folders", stats.Folders},
			{"Synced", stats.SyncedItems},
			{"Synced size", utils.FormatSize(stats.SyncedSize)},
			{"Pending", stats.PendingItems},
			{"Failed", stats.FailedItems},
			{"Conflicted", stats.ConflictedItems},
			{"Forgotten", stats.DeletedItems},
			{"History entries", stats.HistoryEntries},
		}
		if err := writeTable(f, statsSheet, []interface{}{"Metric", "Value"}, summary); err != nil {
			return err
		}
	}
	return write(f, w)
}

func writeTable(f *excelize.File, sheet string, header []interface{}, rows [][]interface{}) error {
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
		return err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", lastCol, 22)
}

func write(f *excelize.File, w io.Writer) error {
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
