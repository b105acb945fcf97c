package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fleetopt/internal/integrations"
	"fleetopt/internal/model"
)

const deliveriesCSV = `id,lat,lng,weight,volume,priority,service_sec,tw_start,tw_end
# comment rows are skipped
d1,52.52,13.40,5,1,high,120,0,3600
d2, 52.50, 13.42, 2
`

func TestReadDeliveries(t *testing.T) {
	ds, err := ReadDeliveries(strings.NewReader(deliveriesCSV))
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 2 {
		t.Fatalf("got %d deliveries", len(ds))
	}
	d := ds[0]
	if d.ID != "d1" || d.Priority != "high" || d.ServiceSec != 120 || d.TimeWindow == nil || d.TimeWindow.EndSec != 3600 {
		t.Fatalf("d1 = %+v", d)
	}
	if ds[1].TimeWindow != nil || ds[1].Weight != 2 || ds[1].Location.Lng != 13.42 {
		t.Fatalf("d2 = %+v", ds[1])
	}
}

func TestReadDeliveriesErrors(t *testing.T) {
	cases := map[string]string{
		"missing column": "id,lat,lng\nd1,1,2\n",
		"bad number":     "id,lat,lng,weight\nd1,x,2,1\n",
		"empty id":       "id,lat,lng,weight\n,1,2,1\n",
		"empty":          "",
	}
	for name, in := range cases {
		if _, err := ReadDeliveries(strings.NewReader(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestAdapterBuildsRequest(t *testing.T) {
	dir := t.TempDir()
	dp := filepath.Join(dir, "deliveries.csv")
	vp := filepath.Join(dir, "vehicles.csv")
	if err := os.WriteFile(dp, []byte(deliveriesCSV), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(vp, []byte("id,lat,lng,capacity,current_load,status,class\nv1,52.5,13.4,100,10,Active,van\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	a := Adapter{DeliveriesPath: dp, VehiclesPath: vp}
	req, err := integrations.Request(context.Background(), model.GeoPoint{Lat: 52.5, Lng: 13.4}, a, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Deliveries) != 2 || len(req.Vehicles) != 1 {
		t.Fatalf("req = %+v", req)
	}
	if v := req.Vehicles[0]; v.Status != "active" || v.CurrentLoad != 10 || v.Class != "van" {
		t.Fatalf("vehicle = %+v", v)
	}
	if a.Name() != "csv-file" {
		t.Fatalf("name = %q", a.Name())
	}
}
