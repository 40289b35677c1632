package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Type   string `json:"userType"`
}

// cast is the farmer, distributor and retailer one worker moves crops between
type cast struct {
	farmer      participant
	distributor participant
	retailer    participant
}

type cropResponse struct {
	CropID string `json:"cropId"`
}

type cropDetail struct {
	Status  string        `json:"status"`
	Journey []interface{} `json:"journey"`
}

// register creates the three participants a worker uses
func register(client *HTTPClient, worker int) (*cast, error) {
	run := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	c := &cast{}
	for i, p := range []struct {
		role string
		dst  *participant
	}{
		{"farmer", &c.farmer},
		{"distributor", &c.distributor},
		{"retailer", &c.retailer},
	} {
		body := map[string]interface{}{
			"name":     fmt.Sprintf("bench-%s-%d", p.role, worker),
			"phone":    fmt.Sprintf("%s%02d%d", run, worker%100, i),
			"email":    fmt.Sprintf("%s-%s-%d@bench.local", p.role, run, worker),
			"password": "bench-password",
			"userType": p.role,
		}
		if err := client.POST("/auth/register", body, p.dst); err != nil {
			return nil, fmt.Errorf("register %s: %w", p.role, err)
		}
		p.dst.Type = p.role
	}
	return c, nil
}

// runWorkflow walks one crop from harvest to sale
func runWorkflow(client *HTTPClient, c *cast) error {
	var crop cropResponse
	if err := client.POST("/crops", map[string]interface{}{
		"name":        "Rice",
		"variety":     "Basmati",
		"quantity":    100,
		"unit":        "kg",
		"farmerId":    c.farmer.UserID,
		"farmerName":  c.farmer.Name,
		"farmAddress": "Bench Farm",
	}, &crop); err != nil {
		return fmt.Errorf("add crop: %w", err)
	}

	steps := []struct {
		to       participant
		status   string
		location string
		amount   float64
	}{
		{c.distributor, "with_distributor", "Distribution Center", 250},
		{c.retailer, "with_retailer", "Retail Store", 400},
		{c.retailer, "sold", "Retail Store", 0},
	}
	for _, s := range steps {
		body := map[string]interface{}{
			"toUserId":   s.to.UserID,
			"toUserName": s.to.Name,
			"toUserType": s.to.Type,
			"status":     s.status,
			"location":   s.location,
		}
		if s.amount > 0 {
			body["amount"] = s.amount
			body["pricePerUnit"] = s.amount / 100
		}
		if err := client.POST(fmt.Sprintf("/crops/%s/transfer", crop.CropID), body, nil); err != nil {
			return fmt.Errorf("transfer to %s: %w", s.status, err)
		}
	}

	var detail cropDetail
	if err := client.GET("/crops?cropId="+crop.CropID, &detail); err != nil {
		return fmt.Errorf("get crop: %w", err)
	}
	if detail.Status != "sold" || len(detail.Journey) != len(steps)+1 {
		return fmt.Errorf("crop %s ended as %s with %d journey steps", crop.CropID, detail.Status, len(detail.Journey))
	}
	return nil
}
