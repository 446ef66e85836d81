package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"procurecore/internal/ingest"
	"procurecore/pkg/domain"
)

// handleExportRecords streams a batch's records joined with their quality
// scores, as JSON or as a flat CSV for spreadsheet review.
func (h *Handler) handleExportRecords(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	entries, err := h.service.Export(r.Context(), batchID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{"records": entries})
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", batchID+".csv"))
		w.WriteHeader(http.StatusOK)
		if err := writeRecordsCSV(w, entries); err != nil {
			h.logger.Error("export stream failed", "batch_id", batchID, "error", err)
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format %q", format))
	}
}

func writeRecordsCSV(w http.ResponseWriter, entries []ingest.RecordExport) error {
	fields := domain.CanonicalFields()
	header := []string{"line_number", "status"}
	for _, f := range fields {
		header = append(header, string(f))
	}
	header = append(header, "composite", "grade", "error_reason")

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, entry := range entries {
		rec := entry.Record
		row := []string{strconv.Itoa(rec.LineNumber), string(rec.Status)}
		for _, f := range fields {
			row = append(row, rec.NormalizedFields[f].String())
		}
		composite, grade := "", ""
		if entry.Score != nil {
			composite = strconv.FormatFloat(entry.Score.Composite, 'f', 4, 64)
			grade = string(entry.Score.Grade)
		}
		row = append(row, composite, grade, rec.ErrorReason)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
