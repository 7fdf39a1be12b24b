// Package core holds the domain model, configuration, errors and the small
// interfaces (Logger, Metrics) shared by every other package.
//
// Object graphs are flat: a Route owns its RouteStops, a SyncTransaction
// owns its SyncOperations, an Order owns its line items. Everything else
// references by stable identifier; there are no back-pointers.
package core

import "time"

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat" db:"lat"`
	Lng float64 `json:"lng" db:"lng"`
}

// TimeWindow is a concrete [Start, End] interval on a given date.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows share any instant.
func (w TimeWindow) Overlaps(other TimeWindow) bool {
	if w.Start.IsZero() || other.Start.IsZero() {
		return true
	}
	return !w.End.Before(other.Start) && !other.End.Before(w.Start)
}

// Stop is a single delivery target, derived from Order + Customer. It is an
// immutable input to the clusterer and the VRP solver.
type Stop struct {
	OrderID      string         `json:"order_id"`
	CustomerID   string         `json:"customer_id"`
	Location     Location       `json:"location"`
	Demand       map[string]int `json:"demand"` // product code -> cylinder count
	Window       TimeWindow     `json:"time_window"`
	ServiceTime  time.Duration  `json:"service_time"`
	Priority     int            `json:"priority"`
	IsRestaurant bool           `json:"is_restaurant"`
	Area         string         `json:"area"`
}

// TotalDemand sums the stop's demand across all products.
func (s Stop) TotalDemand() int {
	total := 0
	for _, qty := range s.Demand {
		total += qty
	}
	return total
}

// Vehicle describes a driver's truck for one shift.
type Vehicle struct {
	DriverID      string         `json:"driver_id"`
	Capacity      map[string]int `json:"capacity"` // product code -> cylinder count
	StartLocation Location       `json:"start_location"`
	EndLocation   Location       `json:"end_location"`
	MaxShift      time.Duration  `json:"max_shift"`
}

// RouteStatus enumerates the lifecycle of a Route.
type RouteStatus string

const (
	RoutePlanned    RouteStatus = "planned"
	RouteOptimized  RouteStatus = "optimized"
	RouteInProgress RouteStatus = "in_progress"
	RouteCompleted  RouteStatus = "completed"
	RouteCancelled  RouteStatus = "cancelled"
)

// Route is a vehicle's ordered execution of stops on a date. It exclusively
// owns its RouteStops; stop sequences form a contiguous permutation of 1..N.
type Route struct {
	ID                string      `json:"id" db:"id"`
	RouteNumber       string      `json:"route_number" db:"route_number"` // unique per date
	Date              time.Time   `json:"date" db:"date"`
	DriverID          string      `json:"driver_id" db:"driver_id"`
	Status            RouteStatus `json:"status" db:"status"`
	TotalDistanceKM   float64     `json:"total_distance_km" db:"total_distance_km"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Polyline          string      `json:"polyline,omitempty" db:"polyline"`
	OptimizationScore float64     `json:"optimization_score" db:"optimization_score"` // in [0, 1]
	Stops             []RouteStop `json:"stops"`
}

// RouteStop is one leg of a Route.
type RouteStop struct {
	RouteID            string        `json:"route_id" db:"route_id"`
	OrderID            string        `json:"order_id" db:"order_id"`
	Sequence           int           `json:"sequence" db:"sequence"` // 1..N, unique within route
	EstimatedArrival   time.Time     `json:"estimated_arrival" db:"estimated_arrival"`
	ServiceDuration    time.Duration `json:"service_duration"`
	DistanceFromPrevKM float64       `json:"distance_from_previous_km" db:"distance_from_previous_km"`
}

// OrderStatus enumerates the lifecycle of an Order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderInDelivery OrderStatus = "in_delivery"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderFailed     OrderStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s,
// except the universal escape to failed.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled || s == OrderFailed
}

// CanTransitionTo enforces the order state machine:
// pending -> confirmed -> in_delivery -> delivered; any non-terminal state
// -> cancelled; any state -> failed.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	if to == OrderFailed {
		return true
	}
	if to == OrderCancelled {
		return !s.Terminal()
	}
	switch s {
	case OrderPending:
		return to == OrderConfirmed
	case OrderConfirmed:
		return to == OrderInDelivery
	case OrderInDelivery:
		return to == OrderDelivered
	default:
		return false
	}
}

// Mutable reports whether the order's payload may still be edited.
func (s OrderStatus) Mutable() bool {
	return s == OrderPending || s == OrderConfirmed
}

// OrderItem is a single line item of an Order.
type OrderItem struct {
	OrderID      string  `json:"order_id" db:"order_id"`
	GasProductID string  `json:"gas_product_id" db:"gas_product_id"`
	ProductCode  string  `json:"product_code" db:"product_code"`
	Quantity     int     `json:"quantity" db:"quantity"`
	UnitPrice    float64 `json:"unit_price" db:"unit_price"`
}

// Order is a customer's request for delivery on a scheduled date.
type Order struct {
	ID            string      `json:"id" db:"id"`
	OrderNumber   string      `json:"order_number" db:"order_number"`
	CustomerID    string      `json:"customer_id" db:"customer_id"`
	Status        OrderStatus `json:"status" db:"status"`
	PaymentStatus string      `json:"payment_status" db:"payment_status"`
	ScheduledDate time.Time   `json:"scheduled_date" db:"scheduled_date"`
	TotalAmount   float64     `json:"total_amount" db:"total_amount"`
	FinalAmount   float64     `json:"final_amount" db:"final_amount"`
	Items         []OrderItem `json:"line_items"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// ClockWindow is a daily delivery window expressed in local hours.
type ClockWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Customer is a delivery account.
type Customer struct {
	ID              string      `json:"id" db:"id"`
	Code            string      `json:"customer_code" db:"customer_code"` // unique
	Name            string      `json:"name" db:"name"`
	Address         string      `json:"address" db:"address"`
	Location        Location    `json:"location"`
	CreditLimit     float64     `json:"credit_limit" db:"credit_limit"`
	CurrentBalance  float64     `json:"current_balance" db:"current_balance"`
	IsCreditBlocked bool        `json:"is_credit_blocked" db:"is_credit_blocked"`
	IsTerminated    bool        `json:"is_terminated" db:"is_terminated"`
	IsRestaurant    bool        `json:"is_restaurant" db:"is_restaurant"`
	Area            string      `json:"area" db:"area"`
	DeliveryWindow  ClockWindow `json:"delivery_time_window"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// AvailableCredit returns the headroom left on the customer's account.
func (c Customer) AvailableCredit() float64 {
	return c.CreditLimit - c.CurrentBalance
}

// EntityType names the entity classes replicated by the sync engine.
type EntityType string

const (
	EntityCustomer EntityType = "customer"
	EntityOrder    EntityType = "order"
	EntityDelivery EntityType = "delivery"
)

// SyncDirection is the replication direction of a SyncOperation.
type SyncDirection string

const (
	SyncToLegacy      SyncDirection = "to_legacy"
	SyncFromLegacy    SyncDirection = "from_legacy"
	SyncBidirectional SyncDirection = "bidirectional"
)

// SyncStatus enumerates the lifecycle of a SyncOperation.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
	SyncRetry      SyncStatus = "retry"
	SyncConflict   SyncStatus = "conflict"
	SyncCancelled  SyncStatus = "cancelled"
)

// ConflictResolution names the available conflict resolution strategies.
type ConflictResolution string

const (
	ResolveNewestWins    ConflictResolution = "newest_wins"
	ResolveLegacyWins    ConflictResolution = "legacy_wins"
	ResolveNewSystemWins ConflictResolution = "new_system_wins"
	ResolveAutoMerged    ConflictResolution = "auto_merged"
	ResolveManual        ConflictResolution = "manual"
)

// SyncOperation is one unit of dual-write replication work. A completed
// operation is immutable; a conflicted operation requires resolution before
// it may return to pending.
type SyncOperation struct {
	ID                 string                 `json:"id" db:"id"`
	EntityType         EntityType             `json:"entity_type" db:"entity_type"`
	EntityID           string                 `json:"entity_id" db:"entity_id"`
	Direction          SyncDirection          `json:"direction" db:"direction"`
	Data               map[string]interface{} `json:"data"`
	OriginalData       map[string]interface{} `json:"original_data"`
	Status             SyncStatus             `json:"status" db:"status"`
	Priority           int                    `json:"priority" db:"priority"`
	RetryCount         int                    `json:"retry_count" db:"retry_count"`
	MaxRetries         int                    `json:"max_retries" db:"max_retries"`
	NextRetryAt        *time.Time             `json:"next_retry_at,omitempty" db:"next_retry_at"`
	TransactionID      string                 `json:"transaction_id,omitempty" db:"transaction_id"`
	DependsOn          string                 `json:"depends_on,omitempty" db:"depends_on"`
	LegacyData         map[string]interface{} `json:"legacy_data,omitempty"`
	ConflictResolution ConflictResolution     `json:"conflict_resolution,omitempty" db:"conflict_resolution"`
	ResolvedData       map[string]interface{} `json:"resolved_data,omitempty"`
	ResolvedBy         string                 `json:"resolved_by,omitempty" db:"resolved_by"`
	ErrorMessage       string                 `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at" db:"updated_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// SyncTransaction groups operations that share an outcome. When Atomic is
// set the transaction completes only when every child completes; a child
// failure under StopOnError cancels all still-pending siblings.
type SyncTransaction struct {
	ID              string     `json:"id" db:"id"`
	Atomic          bool       `json:"atomic" db:"atomic"`
	StopOnError     bool       `json:"stop_on_error" db:"stop_on_error"`
	OperationsCount int        `json:"operations_count" db:"operations_count"`
	CompletedCount  int        `json:"completed_count" db:"completed_count"`
	FailedCount     int        `json:"failed_count" db:"failed_count"`
	Status          SyncStatus `json:"status" db:"status"`
	TimeoutSeconds  int        `json:"timeout_seconds" db:"timeout_seconds"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// SMSStatus enumerates the lifecycle of an SMSMessage.
type SMSStatus string

const (
	SMSPending   SMSStatus = "pending"
	SMSSent      SMSStatus = "sent"
	SMSDelivered SMSStatus = "delivered"
	SMSFailed    SMSStatus = "failed"
)

// SMSMessage is one outbound text, possibly multi-segment.
type SMSMessage struct {
	ID                string            `json:"id"`
	Recipient         string            `json:"recipient"`
	Body              string            `json:"body"`
	Segments          int               `json:"segments"`
	Provider          string            `json:"provider"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Status            SMSStatus         `json:"status"`
	RetryCount        int               `json:"retry_count"`
	Cost              float64           `json:"cost"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ImportCheckpoint is the JSON sidecar that makes bulk imports resumable.
// It is persisted after every batch and deleted on clean completion.
type ImportCheckpoint struct {
	SourceFile       string    `json:"source_file"`
	LastProcessedRow int       `json:"last_processed_row"`
	BatchesCompleted int       `json:"batches_completed"`
	Errors           []string  `json:"errors"`
	CreatedAt        time.Time `json:"created_at"`
}
