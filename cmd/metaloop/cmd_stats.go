// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// runStats queries /v1/stats on a running server and prints either the
// raw JSON or a short human summary.
func runStats(cmd *cobra.Command, args []string) error {
	base := statsURL
	if base == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(base + "/v1/stats")
	if err != nil {
		return fmt.Errorf("reach metaloop server at %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read stats response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats request failed: %s: %s", resp.Status, string(body))
	}

	if statsJSON {
		fmt.Fprintln(os.Stdout, string(body))
		return nil
	}

	var payload struct {
		Bus struct {
			EventsPublished uint64 `json:"events_published"`
			EventsDelivered uint64 `json:"events_delivered"`
			DeadLetters     int    `json:"dead_letters"`
		} `json:"bus"`
		Planner struct {
			PlansCreated    int64 `json:"plans_created"`
			PlansSuppressed int64 `json:"plans_suppressed"`
			RateLimited     int64 `json:"rate_limited"`
		} `json:"planner"`
		Safety struct {
			ValidationsRun int64 `json:"validations_run"`
			PlansRejected  int64 `json:"plans_rejected"`
		} `json:"safety"`
		Executor struct {
			PlansExecuted    int64 `json:"plans_executed"`
			PlansFailed      int64 `json:"plans_failed"`
			ActionsSimulated int64 `json:"actions_simulated"`
		} `json:"executor"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode stats response: %w", err)
	}

	fmt.Printf("Bus:      %d published, %d delivered, %d dead-lettered\n",
		payload.Bus.EventsPublished, payload.Bus.EventsDelivered,
		payload.Bus.DeadLetters)
	fmt.Printf("Planner:  %d created, %d suppressed, %d rate-limited\n",
		payload.Planner.PlansCreated, payload.Planner.PlansSuppressed,
		payload.Planner.RateLimited)
	fmt.Printf("Safety:   %d validations, %d rejected\n",
		payload.Safety.ValidationsRun, payload.Safety.PlansRejected)
	fmt.Printf("Executor: %d executed, %d failed, %d simulated\n",
		payload.Executor.PlansExecuted, payload.Executor.PlansFailed,
		payload.Executor.ActionsSimulated)
	return nil
}
