// Package export renders solutions as spreadsheet manifests.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"fleetopt/internal/model"
)

const (
	summarySheet   = "Summary"
	stopsSheet     = "Stops"
	violationSheet = "Violations"
)

var stopHeaders = []string{"Vehicle", "Trip", "Seq", "Delivery", "Lat", "Lng", "Arrival (s)", "Trip load", "Trip distance (m)"}

// WriteXLSX writes a workbook with a summary sheet, one row per stop and,
// when present, the violations.
func WriteXLSX(w io.Writer, sol model.Solution) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6E6FA"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	objective := "unbounded"
	if sol.Objective != nil {
		objective = fmt.Sprintf("%.1f", *sol.Objective)
	}
	summary := [][2]any{
		{"Solution", sol.ID},
		{"Created", sol.CreatedAt},
		{"Algorithm", sol.Algorithm},
		{"Routes", len(sol.Routes)},
		{"Vehicles used", sol.VehiclesUsed},
		{"Total distance (m)", sol.TotalDistance},
		{"Total duration (s)", sol.TotalDuration},
		{"Objective", objective},
		{"Feasible", sol.Feasible},
		{"Converged", sol.Converged},
		{"Unassigned", len(sol.Unassigned)},
	}
	for i, kv := range summary {
		if err := setRow(f, summarySheet, i+1, kv[0], kv[1]); err != nil {
			return err
		}
	}
	_ = f.SetColStyle(summarySheet, "A", bold)
	_ = f.SetColWidth(summarySheet, "A", "B", 22)

	if _, err := f.NewSheet(stopsSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := header(f, stopsSheet, stopHeaders, bold); err != nil {
		return err
	}
	row := 2
	trips := map[string]int{}
	for _, r := range sol.Routes {
		trips[r.VehicleID]++
		for _, s := range r.Stops {
			if err := setRow(f, stopsSheet, row,
				r.VehicleID, trips[r.VehicleID], s.Seq, s.DeliveryID,
				s.Location.Lat, s.Location.Lng, s.ArrivalSec, r.Load, r.DistanceM,
			); err != nil {
				return err
			}
			row++
		}
	}
	_ = f.SetColWidth(stopsSheet, "A", "I", 15)

	var violations []model.Violation
	violations = append(violations, sol.Violations...)
	for _, r := range sol.Routes {
		violations = append(violations, r.Violations...)
	}
	if len(violations) > 0 {
		if _, err := f.NewSheet(violationSheet); err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		if err := header(f, violationSheet, []string{"Kind", "Vehicle", "Delivery", "Detail"}, bold); err != nil {
			return err
		}
		for i, v := range violations {
			if err := setRow(f, violationSheet, i+2, v.Kind, v.VehicleID, v.DeliveryID, v.Detail); err != nil {
				return err
			}
		}
		_ = f.SetColWidth(violationSheet, "A", "D", 18)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func header(f *excelize.File, sheet string, cols []string, style int) error {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = c
	}
	if err := setRow(f, sheet, 1, vals...); err != nil {
		return err
	}
	_ = f.SetRowStyle(sheet, 1, 1, style)
	return nil
}

func setRow(f *excelize.File, sheet string, row int, vals ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
		return fmt.Errorf("%s row %d: %w", sheet, row, err)
	}
	return nil
}
