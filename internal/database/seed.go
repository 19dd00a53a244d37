package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ReferenceData is the static universe data served by the search routes
type ReferenceData struct {
	Regions  []*EveRegion  `json:"regions"`
	Systems  []*EveSystem  `json:"systems"`
	Stations []*EveStation `json:"stations"`
}

// LoadReferenceData reads a reference data export from a JSON file
func LoadReferenceData(path string) (*ReferenceData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data ReferenceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode reference data %s: %w", path, err)
	}
	return &data, nil
}

// Seed stores reference data in one transaction
func Seed(ctx context.Context, db Database, data *ReferenceData) error {
	return db.Transaction(ctx, func(ctx context.Context) error {
		if err := db.UpsertRegions(ctx, data.Regions); err != nil {
			return fmt.Errorf("upsert regions: %w", err)
		}
		if err := db.UpsertSystems(ctx, data.Systems); err != nil {
			return fmt.Errorf("upsert systems: %w", err)
		}
		if err := db.UpsertStations(ctx, data.Stations); err != nil {
			return fmt.Errorf("upsert stations: %w", err)
		}
		return nil
	})
}
