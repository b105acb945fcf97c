// Package integrations defines sources that feed deliveries and vehicles
// into an optimisation request.
package integrations

import (
	"context"

	"fleetopt/internal/model"
)

// DeliverySource is the minimal interface for order feeds.
type DeliverySource interface {
	Name() string
	FetchDeliveries(ctx context.Context) ([]model.DeliveryIn, error)
}

// FleetSource supplies the vehicles available for a plan.
type FleetSource interface {
	FetchVehicles(ctx context.Context) ([]model.VehicleIn, error)
}

// Request assembles an optimize request from a depot and the given sources.
func Request(ctx context.Context, depot model.GeoPoint, deliveries DeliverySource, fleet FleetSource) (model.OptimizeRequest, error) {
	req := model.OptimizeRequest{Depot: depot}
	var err error
	if req.Deliveries, err = deliveries.FetchDeliveries(ctx); err != nil {
		return model.OptimizeRequest{}, err
	}
	if req.Vehicles, err = fleet.FetchVehicles(ctx); err != nil {
		return model.OptimizeRequest{}, err
	}
	return req, nil
}
