package postprocess

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/docupack/docupack/internal/model"
)

const reportSheet = "Invoices"

// BuildReport writes one spreadsheet row per completed page with the
// extracted fields in the configured column order, plus the source file and
// output name. names carries the final, collision-deduped filename per job
// id; a job absent from it falls back to its stored output name. Returns
// the XLSX bytes.
func BuildReport(columns []string, jobs []*model.Job, names map[string]string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	headers := append([]string{"Source File", "Page", "Output File"}, columns...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(reportSheet, cell, h); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	row := 2
	for _, j := range jobs {
		if j.Status != model.JobCompleted {
			continue
		}
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(reportSheet, cell, v)
		}
		write(1, j.FileName)
		write(2, j.PageNumber)
		name := names[j.ID]
		if name == "" && j.OutputName != nil {
			name = *j.OutputName
		}
		write(3, name)
		for i, col := range columns {
			write(4+i, j.Fields[col])
		}
		row++
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
