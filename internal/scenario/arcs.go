package scenario

import "gpuwatch/internal/telemetry"

func faults(kind telemetry.FaultKind, devices ...int) []telemetry.Fault {
	out := make([]telemetry.Fault, 0, len(devices))
	for _, d := range devices {
		out = append(out, telemetry.Fault{Kind: kind, Device: d})
	}
	return out
}

// BuiltIn returns predefined fault arcs. Phase triggers count collections,
// so the wall-clock length scales with the scrape interval.
func BuiltIn() map[string]Scenario {
	return map[string]Scenario{
		"thermal-runaway": {
			Name:        "Thermal Runaway",
			Description: "One accelerator overheats and throttles under sustained load, then cools down.",
			Phases: []Phase{
				{
					Name:        "baseline",
					Description: "All devices run a steady training load.",
					Triggers:    []Trigger{{Event: EventPhaseTicks, Value: 8, Next: "runaway"}},
				},
				{
					Name:        "runaway",
					Description: "Device 0 crosses its thermal limit and clocks down.",
					Faults:      faults(telemetry.FaultThermalRunaway, 0),
					Triggers:    []Trigger{{Event: EventPhaseTicks, Value: 40, Next: "recovery"}},
				},
				{
					Name:        "recovery",
					Description: "Cooling catches up and utilization returns.",
				},
			},
		},
		"idle-node": {
			Name:        "Idle Node",
			Description: "The job finishes and every accelerator sits idle at full clocks.",
			Phases: []Phase{
				{
					Name:     "baseline",
					Triggers: []Trigger{{Event: EventPhaseTicks, Value: 8, Next: "idle"}},
				},
				{
					Name:        "idle",
					Description: "Utilization drops to near zero on all devices.",
					Faults:      faults(telemetry.FaultIdle, -1),
				},
			},
		},
		"ecc-degradation": {
			Name:        "ECC Degradation",
			Description: "Device 1 accumulates corrected errors, retires pages and finally reports an uncorrected error.",
			Phases: []Phase{
				{
					Name:     "baseline",
					Triggers: []Trigger{{Event: EventPhaseTicks, Value: 4, Next: "degradation"}},
				},
				{
					Name:        "degradation",
					Description: "Corrected error bursts with page retirement.",
					Faults:      append(faults(telemetry.FaultECCBurst, 1), faults(telemetry.FaultRetiredPages, 1)...),
					Triggers:    []Trigger{{Event: EventPhaseTicks, Value: 6, Next: "failure"}},
				},
				{
					Name:        "failure",
					Description: "An uncorrected error is reported.",
					Faults:      faults(telemetry.FaultECCUncorrected, 1),
					Triggers:    []Trigger{{Event: EventPhaseTicks, Value: 1, Next: "aftermath"}},
				},
				{
					Name: "aftermath",
				},
			},
		},
		"network-storm": {
			Name:        "Network Storm",
			Description: "The fabric drops packets and collective operations stall every device.",
			Phases: []Phase{
				{
					Name:     "baseline",
					Triggers: []Trigger{{Event: EventPhaseTicks, Value: 8, Next: "storm"}},
				},
				{
					Name:     "storm",
					Faults:   faults(telemetry.FaultNetworkLoss, -1),
					Triggers: []Trigger{{Event: EventPhaseTicks, Value: 10, Next: "recovery"}},
				},
				{
					Name: "recovery",
				},
			},
		},
		"eviction": {
			Name:        "Pod Eviction",
			Description: "The orchestrator evicts the workload on device 2.",
			Phases: []Phase{
				{
					Name:     "baseline",
					Triggers: []Trigger{{Event: EventPhaseTicks, Value: 8, Next: "evicted"}},
				},
				{
					Name:     "evicted",
					Faults:   faults(telemetry.FaultEviction, 2),
					Triggers: []Trigger{{Event: EventPhaseTicks, Value: 3, Next: "rescheduled"}},
				},
				{
					Name: "rescheduled",
				},
			},
		},
	}
}

// Resolve returns the built-in arc called name, or loads name as a file.
func Resolve(name string) (*Scenario, error) {
	if sc, ok := BuiltIn()[name]; ok {
		return &sc, nil
	}
	return Load(name)
}
