package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"woosync/internal/database"
	"woosync/internal/models"
	syncpkg "woosync/internal/sync"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Exporter writes sync state snapshots as Excel workbooks.
type Exporter struct {
	db     *database.DB
	path   string
	logger *zerolog.Logger
}

func NewExporter(db *database.DB, path string, logger *zerolog.Logger) *Exporter {
	if path == "" {
		path = "./exports"
	}
	return &Exporter{db: db, path: path, logger: logger}
}

// SyncRecords exports every record of one kind for a tenant and
// returns the written file path.
func (e *Exporter) SyncRecords(ctx context.Context, kind string, tenantID int64) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	records, err := e.db.ListSyncRecords(ctx, kind, database.SyncRecordFilter{TenantID: tenantID, Limit: 100000})
	if err != nil {
		return "", fmt.Errorf("error listing sync records: %v", err)
	}
	stats, err := e.db.GetSyncStats(ctx, kind, tenantID)
	if err != nil {
		return "", fmt.Errorf("error loading sync stats: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Sync Records"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("%s sync: %d total, %d created, %d updated, %d skipped, %d errors",
		kind, stats.Total, stats.Created, stats.Updated, stats.Skipped, stats.Errors))
	_ = f.MergeCell(sheetName, "A1", "I1")

	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headers := []string{
		"Source ID", "Sink ID", "Name", "Status", "Message",
		"Error Details", "Source Write Date", "Last Synced", "Updated At",
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for i, record := range records {
		row := i + 3
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), record.SourceID)
		if record.SinkID != nil {
			_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), *record.SinkID)
		}
		_ = f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), record.Name)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), recordStatus(record))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), record.Message)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), record.ErrorDetails)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), formatTime(record.SourceWriteDate))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), formatTime(record.LastSyncedAt))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), record.UpdatedAt.Format("02.01.2006 15:04"))

		if record.Error {
			errStyle, serr := f.NewStyle(&excelize.Style{
				Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFC7CE"}, Pattern: 1},
			})
			if serr == nil {
				_ = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", row), fmt.Sprintf("I%d", row), errStyle)
			}
		}
	}

	_ = f.SetColWidth(sheetName, "A", "B", 12)
	_ = f.SetColWidth(sheetName, "C", "C", 35)
	_ = f.SetColWidth(sheetName, "D", "D", 14)
	_ = f.SetColWidth(sheetName, "E", "F", 30)
	_ = f.SetColWidth(sheetName, "G", "I", 20)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("%s_sync_%d_%s.xlsx", kind, tenantID, time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Str("kind", kind).
		Int("records", len(records)).Msg("Sync export written")
	return filePath, nil
}

// recordStatus collapses the outcome flags into one display status.
func recordStatus(r *models.SyncRecord) string {
	return syncpkg.ClassifyRecord(r)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("02.01.2006 15:04")
}
