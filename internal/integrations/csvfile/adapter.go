package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"fleetopt/internal/model"
)

// DeliveryColumns is the expected delivery header; trailing columns after
// weight may be omitted.
var DeliveryColumns = []string{"id", "lat", "lng", "weight", "volume", "priority", "service_sec", "tw_start", "tw_end"}

// VehicleColumns is the expected vehicle header.
var VehicleColumns = []string{"id", "lat", "lng", "capacity", "current_load", "status", "class"}

// Adapter reads deliveries and vehicles from CSV files.
type Adapter struct {
	DeliveriesPath string
	VehiclesPath   string
}

func (a Adapter) Name() string { return "csv-file" }

func (a Adapter) FetchDeliveries(ctx context.Context) ([]model.DeliveryIn, error) {
	f, err := os.Open(a.DeliveriesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDeliveries(f)
}

func (a Adapter) FetchVehicles(ctx context.Context) ([]model.VehicleIn, error) {
	f, err := os.Open(a.VehiclesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadVehicles(f)
}

// ReadDeliveries parses delivery rows. Columns are matched by header name.
func ReadDeliveries(r io.Reader) ([]model.DeliveryIn, error) {
	var out []model.DeliveryIn
	err := readRows(r, []string{"id", "lat", "lng", "weight"}, func(line int, row record) error {
		d := model.DeliveryIn{ID: row.str("id"), Priority: strings.ToLower(row.str("priority"))}
		var err error
		if d.Location.Lat, err = row.float("lat"); err != nil {
			return err
		}
		if d.Location.Lng, err = row.float("lng"); err != nil {
			return err
		}
		if d.Weight, err = row.float("weight"); err != nil {
			return err
		}
		if d.Volume, err = row.float("volume"); err != nil {
			return err
		}
		if d.ServiceSec, err = row.float("service_sec"); err != nil {
			return err
		}
		if row.str("tw_start") != "" || row.str("tw_end") != "" {
			tw := &model.TimeWindow{}
			if tw.StartSec, err = row.float("tw_start"); err != nil {
				return err
			}
			if tw.EndSec, err = row.float("tw_end"); err != nil {
				return err
			}
			d.TimeWindow = tw
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// ReadVehicles parses vehicle rows.
func ReadVehicles(r io.Reader) ([]model.VehicleIn, error) {
	var out []model.VehicleIn
	err := readRows(r, []string{"id", "capacity"}, func(line int, row record) error {
		v := model.VehicleIn{ID: row.str("id"), Status: strings.ToLower(row.str("status")), Class: row.str("class")}
		var err error
		if v.Location.Lat, err = row.float("lat"); err != nil {
			return err
		}
		if v.Location.Lng, err = row.float("lng"); err != nil {
			return err
		}
		if v.Capacity, err = row.float("capacity"); err != nil {
			return err
		}
		if v.CurrentLoad, err = row.float("current_load"); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

type record struct {
	cols   map[string]int
	fields []string
}

func (r record) str(name string) string {
	i, ok := r.cols[name]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

// float parses an optional numeric column; blank means zero.
func (r record) float(name string) (float64, error) {
	s := r.str(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", name, err)
	}
	return v, nil
}

func readRows(r io.Reader, required []string, fn func(line int, row record) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return errors.New("csv: missing header")
	}
	if err != nil {
		return err
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range required {
		if _, ok := cols[c]; !ok {
			return fmt.Errorf("csv: missing column %q", c)
		}
	}
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line, _ := cr.FieldPos(0)
		row := record{cols: cols, fields: fields}
		if row.str("id") == "" {
			return fmt.Errorf("csv line %d: empty id", line)
		}
		if err := fn(line, row); err != nil {
			return fmt.Errorf("csv line %d: %w", line, err)
		}
	}
}
