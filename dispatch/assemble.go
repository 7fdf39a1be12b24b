package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openroute/gasflow/core"
)

// assembleStops turns the day's confirmed orders into solver stops. Orders
// whose customer is missing or terminated are skipped with a warning.
func (o *Orchestrator) assembleStops(ctx context.Context, date time.Time) ([]core.Stop, []string, error) {
	orders, err := o.orders.ConfirmedByDate(ctx, date)
	if err != nil {
		return nil, nil, err
	}
	if len(orders) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, 0, len(orders))
	seen := make(map[string]bool, len(orders))
	for _, ord := range orders {
		if !seen[ord.CustomerID] {
			seen[ord.CustomerID] = true
			ids = append(ids, ord.CustomerID)
		}
	}
	sort.Strings(ids)

	customers, err := o.customers.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	stops := make([]core.Stop, 0, len(orders))
	for _, ord := range orders {
		c, ok := customers[ord.CustomerID]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("order %s: customer %s not found", ord.ID, ord.CustomerID))
			continue
		}
		if c.IsTerminated {
			warnings = append(warnings, fmt.Sprintf("order %s: customer %s is terminated", ord.ID, c.Code))
			continue
		}
		stops = append(stops, o.stopFor(ord, c, date))
	}
	return stops, warnings, nil
}

// stopFor builds one stop: demand aggregated per product code, service time
// from the base + per-cylinder formula, and the customer's daily window
// anchored on the delivery date.
func (o *Orchestrator) stopFor(ord core.Order, c core.Customer, date time.Time) core.Stop {
	demand := make(map[string]int)
	cylinders := 0
	for _, item := range ord.Items {
		demand[item.ProductCode] += item.Quantity
		cylinders += item.Quantity
	}

	priority := 0
	if c.IsRestaurant {
		priority = 1
	}

	return core.Stop{
		OrderID:      ord.ID,
		CustomerID:   c.ID,
		Location:     c.Location,
		Demand:       demand,
		Window:       o.deliveryWindow(c, date),
		ServiceTime:  o.business.BaseServiceTime + time.Duration(cylinders)*o.business.TimePerCylinder,
		Priority:     priority,
		IsRestaurant: c.IsRestaurant,
		Area:         c.Area,
	}
}

// deliveryWindow anchors the customer's clock window (or the business
// default) on the delivery date.
func (o *Orchestrator) deliveryWindow(c core.Customer, date time.Time) core.TimeWindow {
	start, end := c.DeliveryWindow.StartHour, c.DeliveryWindow.EndHour
	if start == 0 && end == 0 || start >= end {
		start, end = o.business.DeliveryStartHour, o.business.DeliveryEndHour
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	return core.TimeWindow{
		Start: day.Add(time.Duration(start) * time.Hour),
		End:   day.Add(time.Duration(end) * time.Hour),
	}
}
