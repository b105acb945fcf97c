package model

// Wire types for the HTTP API. Validation tags are read by
// github.com/go-playground/validator.

type GeoPoint struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

type TimeWindow struct {
	StartSec float64 `json:"startSec" validate:"gte=0"`
	EndSec   float64 `json:"endSec" validate:"gtefield=StartSec"`
}

type VehicleIn struct {
	ID          string   `json:"id" validate:"required"`
	Location    GeoPoint `json:"location"`
	Capacity    float64  `json:"capacity" validate:"gte=0"`
	CurrentLoad float64  `json:"currentLoad,omitempty" validate:"gte=0"`
	Status      string   `json:"status,omitempty" validate:"omitempty,oneof=active idle maintenance out_of_service"`
	Class       string   `json:"class,omitempty"`
}

type DeliveryIn struct {
	ID         string      `json:"id" validate:"required"`
	Location   GeoPoint    `json:"location"`
	Weight     float64     `json:"weight" validate:"gte=0"`
	Volume     float64     `json:"volume,omitempty" validate:"gte=0"`
	Priority   string      `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	TimeWindow *TimeWindow `json:"timeWindow,omitempty"`
	ServiceSec float64     `json:"serviceSec,omitempty" validate:"gte=0"`
}

type ConstraintsIn struct {
	TimeWindows    bool    `json:"timeWindows,omitempty"`
	MaxDistanceM   float64 `json:"maxDistanceM,omitempty" validate:"gte=0"`
	MaxDurationSec float64 `json:"maxDurationSec,omitempty" validate:"gte=0"`
	MaxVehicles    int     `json:"maxVehicles,omitempty" validate:"gte=0"`
	AllowSplit     bool    `json:"allowSplit,omitempty"`
}

type GeneticIn struct {
	PopulationSize  int     `json:"populationSize,omitempty" validate:"gte=0,lte=10000"`
	Generations     int     `json:"generations,omitempty" validate:"gte=0"`
	MutationRate    float64 `json:"mutationRate,omitempty" validate:"gte=0,lte=1"`
	CrossoverRate   float64 `json:"crossoverRate,omitempty" validate:"gte=0,lte=1"`
	EliteSize       int     `json:"eliteSize,omitempty" validate:"gte=0"`
	StagnationLimit int     `json:"stagnationLimit,omitempty" validate:"gte=0"`
}

type OptimizeRequest struct {
	Depot          GeoPoint      `json:"depot"`
	Vehicles       []VehicleIn   `json:"vehicles" validate:"required,min=1,dive"`
	Deliveries     []DeliveryIn  `json:"deliveries" validate:"required,min=1,dive"`
	DistanceMatrix [][]float64   `json:"distanceMatrix,omitempty"`
	TimeMatrix     [][]float64   `json:"timeMatrix,omitempty"`
	Constraints    ConstraintsIn `json:"constraints"`
	Strategy       string        `json:"strategy,omitempty" validate:"omitempty,oneof=auto savings genetic hybrid"`
	Operators      []string      `json:"operators,omitempty"`
	Genetic        *GeneticIn    `json:"genetic,omitempty"`
	SpeedKph       float64       `json:"speedKph,omitempty" validate:"gte=0,lte=300"`
	TimeBudgetMs   int           `json:"timeBudgetMs,omitempty" validate:"gte=0"`
	Seed           int64         `json:"seed,omitempty"`
	Graph          *GraphIn      `json:"graph,omitempty"` // expands legs into road segments
	Async          bool          `json:"async,omitempty"`
}

// ReoptimizeRequest re-plans the deliveries still outstanding in a stored
// solution. When VehicleID is set only that vehicle's routes are re-planned,
// starting from Position when given.
type ReoptimizeRequest struct {
	VehicleID            string    `json:"vehicleId,omitempty"`
	Position             *GeoPoint `json:"position,omitempty"`
	CompletedDeliveryIDs []string  `json:"completedDeliveryIds,omitempty"`
	Strategy             string    `json:"strategy,omitempty" validate:"omitempty,oneof=auto savings genetic hybrid"`
	TimeBudgetMs         int       `json:"timeBudgetMs,omitempty" validate:"gte=0"`
	Seed                 int64     `json:"seed,omitempty"`
}

type Violation struct {
	Kind       string `json:"kind"`
	DeliveryID string `json:"deliveryId,omitempty"`
	VehicleID  string `json:"vehicleId,omitempty"`
	Detail     string `json:"detail"`
}

type Stop struct {
	Seq        int      `json:"seq"`
	DeliveryID string   `json:"deliveryId"`
	Location   GeoPoint `json:"location"`
	ArrivalSec float64  `json:"arrivalSec"`
}

type Segment struct {
	FromID      string   `json:"fromId,omitempty"`
	ToID        string   `json:"toId,omitempty"`
	From        GeoPoint `json:"from"`
	To          GeoPoint `json:"to"`
	DistanceM   float64  `json:"distanceM"`
	DurationSec float64  `json:"durationSec"`
	Instruction string   `json:"instruction"`
}

type Leg struct {
	From      GeoPoint  `json:"from"`
	To        GeoPoint  `json:"to"`
	Estimated bool      `json:"estimated,omitempty"`
	Segments  []Segment `json:"segments"`
}

type Route struct {
	VehicleID   string      `json:"vehicleId"`
	Stops       []Stop      `json:"stops"`
	Load        float64     `json:"load"`
	DistanceM   float64     `json:"distanceM"`
	DurationSec float64     `json:"durationSec"`
	Violations  []Violation `json:"violations,omitempty"`
	Legs        []Leg       `json:"legs,omitempty"`
}

type RunMetrics struct {
	Algorithm        string         `json:"algorithm"`
	Iterations       int            `json:"iterations"`
	Improvements     int            `json:"improvements"`
	InitialObjective *float64       `json:"initialObjective,omitempty"`
	FinalObjective   *float64       `json:"finalObjective,omitempty"`
	Moves            map[string]int `json:"moves,omitempty"`
	ElapsedMs        int64          `json:"elapsedMs"`
}

// Solution is the stored and returned form of an optimisation result.
// Objective is omitted when unbounded.
type Solution struct {
	ID            string      `json:"id"`
	CreatedAt     string      `json:"createdAt"`
	Algorithm     string      `json:"algorithm"`
	Routes        []Route     `json:"routes"`
	Unassigned    []string    `json:"unassigned"`
	Violations    []Violation `json:"violations,omitempty"`
	TotalDistance float64     `json:"totalDistanceM"`
	TotalDuration float64     `json:"totalDurationSec"`
	Objective     *float64    `json:"objective,omitempty"`
	Feasible      bool        `json:"feasible"`
	Converged     bool        `json:"converged"`
	VehiclesUsed  int         `json:"vehiclesUsed"`
	Metrics       RunMetrics  `json:"metrics"`
	Cached        bool        `json:"cached,omitempty"`
}

// SolutionSummary is a list row.
type SolutionSummary struct {
	ID            string   `json:"id"`
	CreatedAt     string   `json:"createdAt"`
	Algorithm     string   `json:"algorithm"`
	Routes        int      `json:"routes"`
	Unassigned    int      `json:"unassigned"`
	TotalDistance float64  `json:"totalDistanceM"`
	Objective     *float64 `json:"objective,omitempty"`
	Feasible      bool     `json:"feasible"`
}

type ImproveRequest struct {
	Points        []GeoPoint `json:"points" validate:"required,min=1,dive"`
	Operator      string     `json:"operator" validate:"required"`
	Open          bool       `json:"open,omitempty"`
	MaxIterations int        `json:"maxIterations,omitempty" validate:"gte=0"`
	InitialTemp   float64    `json:"initialTemp,omitempty"`
	CoolingRate   float64    `json:"coolingRate,omitempty" validate:"gte=0,lt=1"`
	MinTemp       float64    `json:"minTemp,omitempty" validate:"gte=0"`
	MaxDepth      int        `json:"maxDepth,omitempty" validate:"gte=0,lte=50"`
	Seed          int64      `json:"seed,omitempty"`
}

type ImproveResponse struct {
	Operator    string     `json:"operator"`
	Points      []GeoPoint `json:"points"`
	InitialCost float64    `json:"initialCostM"`
	FinalCost   float64    `json:"finalCostM"`
	Iterations  int        `json:"iterations"`
	Moves       int        `json:"moves"`
	Converged   bool       `json:"converged"`
}

type NodeIn struct {
	ID       string   `json:"id" validate:"required"`
	Location GeoPoint `json:"location"`
}

type EdgeIn struct {
	From          string   `json:"from" validate:"required"`
	To            string   `json:"to" validate:"required"`
	DistanceM     *float64 `json:"distanceM,omitempty"` // omitted = great-circle length
	Bidirectional bool     `json:"bidirectional,omitempty"`
}

type GraphIn struct {
	Nodes []NodeIn `json:"nodes" validate:"required,min=1,dive"`
	Edges []EdgeIn `json:"edges" validate:"dive"`
}

type PathRequest struct {
	GraphIn
	From          string   `json:"from" validate:"required"`
	To            string   `json:"to" validate:"required"`
	Avoid         []string `json:"avoid,omitempty"`
	SpeedKph      float64  `json:"speedKph,omitempty" validate:"gte=0"`
	MaxExpansions int      `json:"maxExpansions,omitempty" validate:"gte=0"`
}

type PathResponse struct {
	Segments    []Segment `json:"segments"`
	DistanceM   float64   `json:"distanceM"`
	DurationSec float64   `json:"durationSec"`
}

// RunAccepted answers an asynchronous optimize request.
type RunAccepted struct {
	RunID     string `json:"runId"`
	Status    string `json:"status"`
	StreamURL string `json:"streamUrl"`
}

// ProgressEvent is published on a run's channel and streamed to websocket
// clients.
type ProgressEvent struct {
	RunID         string   `json:"runId"`
	Stage         string   `json:"stage"`
	Algorithm     string   `json:"algorithm,omitempty"`
	Iteration     int      `json:"iteration,omitempty"`
	Route         int      `json:"route,omitempty"`
	BestObjective *float64 `json:"bestObjective,omitempty"`
	SolutionID    string   `json:"solutionId,omitempty"`
	Error         string   `json:"error,omitempty"`
}
