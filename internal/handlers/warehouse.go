package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/queryshift/queryshift/internal/warehouse"
)

type WarehouseHandler struct {
	catalog warehouse.Catalog
	table   string
}

func NewWarehouseHandler(catalog warehouse.Catalog, table string) *WarehouseHandler {
	return &WarehouseHandler{
		catalog: catalog,
		table:   table,
	}
}

// Stats aggregates row counts over every committed data file of the shared
// result table.
func (h *WarehouseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.catalog.TableStats(r.Context(), h.table)
	if err != nil {
		if errors.Is(err, warehouse.ErrTableNotFound) {
			http.Error(w, "Table not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load table stats: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
