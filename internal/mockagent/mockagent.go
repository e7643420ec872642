// Package mockagent implements test-mode agents that behave identically
// to real ones from the API's point of view, without any real
// transport. A mock's Transport is a no-op sink that only holds its
// Registry binding; the Dispatcher recognises a mock target, builds the
// reply with Execute, and delivers it through the same Correlator.Deliver
// a real agent's reply goes through, so the correlator's exactly-once
// settle holds for mock and real agents alike.
package mockagent

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
)

// Transport is a no-op sink satisfying registry.Transport; sending to a
// mock agent always succeeds trivially.
type Transport struct{}

func (Transport) Send(message interface{}) error { return nil }
func (Transport) Close() error                   { return nil }

// Bootstrap pre-populates the Registry with a synthetic connection for
// every configured mock id — an online mock is bound to a connection_id
// that corresponds to no real transport — and seeds a matching Agent
// row so GET /agents and the liveness classification see it like any
// other online agent.
func Bootstrap(ctx context.Context, reg *registry.Registry, st store.Store, ids []string, log *logger.Logger) {
	for _, id := range ids {
		session := reg.Attach(Transport{})
		if _, _, ok := reg.Bind(session.ConnectionID, id); !ok {
			continue
		}

		if st == nil {
			continue
		}
		agent := store.Agent{
			ID:       id,
			Hostname: id,
			OS:       "Windows Server 2022",
			Version:  "mock-1.0",
			Status:   "online",
			LastSeen: time.Now(),
		}
		if err := st.Agents().Upsert(ctx, agent); err != nil {
			log.WithAgentID(id).WithError(err).Warn("failed to seed mock agent row")
			continue
		}
		log.WithAgentID(id).Info("mock agent bootstrapped")
	}
}

// Result is the synthetic Command Response shape, mirroring
// correlator.Response.
type Result struct {
	Success       bool
	Output        string
	Error         string
	ExitCode      int
	ExecutionTime float64
}

var knownPrefixes = []string{
	"Get-Process", "Get-Service", "Get-EventLog", "Test-Connection", "Get-Disk", "Get-ComputerInfo",
}

var canned = map[string]string{
	"Get-Process":      "Handles  NPM(K)    PM(K)      WS(K)     CPU(s)     Id  SI ProcessName\n-------  ------    -----      -----     ------     --  -- -----------\n    412      22    18340      24512       1.20   1234   1 explorer",
	"Get-Service":       "Status   Name               DisplayName\n------   ----               -----------\nRunning  Spooler            Print Spooler\nRunning  WinRM              Windows Remote Management",
	"Get-EventLog":      "Index Time          EntryType   Source                 InstanceID Message\n----- ----          ---------   ------                 ---------- -------\n 1023 Jan 01 00:00  Information Service Control Manager  0          The service started.",
	"Test-Connection":   "Source   Destination  IPV4Address  Bytes  Time(ms)\n------   -----------  -----------  -----  --------\nMOCK-01  8.8.8.8      8.8.8.8      32     12",
	"Get-Disk":          "Number Friendly Name  OperationalStatus  Total Size  Partition Style\n------ -------------  -----------------  ----------  ---------------\n0      Virtual Disk   Online             80 GB       GPT",
	"Get-ComputerInfo":  "WindowsProductName    : Windows Server 2022 Datacenter\nOsHardwareAbstractionLayer : 10.0.20348.2031\nCsProcessors          : 1",
}

// Execute synthesises a plausible Result for command by matching
// well-known command prefixes. An explicit request containing "error"
// or "fail" yields a deterministic failure.
func Execute(command string) Result {
	execTime := simulatedDelay(command)

	lower := strings.ToLower(command)
	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		return Result{
			Success:       false,
			Error:         fmt.Sprintf("mock agent: command %q failed as requested", command),
			ExitCode:      1,
			ExecutionTime: execTime,
		}
	}

	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(strings.TrimSpace(command), prefix) {
			return Result{
				Success:       true,
				Output:        canned[prefix],
				ExitCode:      0,
				ExecutionTime: execTime,
			}
		}
	}

	return Result{
		Success:       true,
		Output:        fmt.Sprintf("mock agent: executed %q", command),
		ExitCode:      0,
		ExecutionTime: execTime,
	}
}

// simulatedDelay scales with command length so longer commands "take
// longer".
func simulatedDelay(command string) float64 {
	base := 0.05 + float64(len(command))*0.002
	jitter := rand.Float64() * 0.05
	return base + jitter
}

// IsKnownID reports whether id is one of the configured mock agent ids.
func IsKnownID(id string, configured []string) bool {
	for _, c := range configured {
		if c == id {
			return true
		}
	}
	return false
}
