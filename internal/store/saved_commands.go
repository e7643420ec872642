package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/asedra/fleetctl/internal/apierr"
)

type savedCommandStore struct {
	pool   *pool
	driver string
}

func (s savedCommandStore) List(ctx context.Context) ([]SavedCommand, error) {
	var rows []SavedCommand
	if err := s.pool.Reader().SelectContext(ctx, &rows, `SELECT * FROM saved_commands ORDER BY name`); err != nil {
		return nil, err
	}
	for i := range rows {
		hydrateSavedCommand(&rows[i])
	}
	return rows, nil
}

func (s savedCommandStore) Get(ctx context.Context, id string) (SavedCommand, bool, error) {
	var cmd SavedCommand
	err := s.pool.Reader().GetContext(ctx, &cmd, s.pool.Reader().Rebind(`SELECT * FROM saved_commands WHERE id=?`), id)
	if err != nil {
		if isNoRows(err) {
			return SavedCommand{}, false, nil
		}
		return SavedCommand{}, false, err
	}
	hydrateSavedCommand(&cmd)
	return cmd, true, nil
}

func (s savedCommandStore) Create(ctx context.Context, cmd SavedCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	paramsJSON, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(cmd.Tags)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		INSERT INTO saved_commands (id, name, description, category, command, parameters, tags, version, author, is_system)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		cmd.ID, cmd.Name, cmd.Description, cmd.Category, cmd.Command,
		string(paramsJSON), string(tagsJSON), cmd.Version, cmd.Author, cmd.IsSystem,
	)
	return err
}

func (s savedCommandStore) Update(ctx context.Context, cmd SavedCommand) error {
	paramsJSON, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(cmd.Tags)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		UPDATE saved_commands SET name=?, description=?, category=?, command=?, parameters=?, tags=?, version=?, author=?
		WHERE id=?`),
		cmd.Name, cmd.Description, cmd.Category, cmd.Command, string(paramsJSON), string(tagsJSON), cmd.Version, cmd.Author, cmd.ID,
	)
	return err
}

// Delete refuses to remove is_system entries.
func (s savedCommandStore) Delete(ctx context.Context, id string) error {
	existing, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return apierr.New(apierr.NotFound, fmt.Sprintf("saved command %q not found", id))
	}
	if existing.IsSystem {
		return apierr.New(apierr.InvalidArgument, "system saved commands cannot be deleted")
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`DELETE FROM saved_commands WHERE id=?`), id)
	return err
}

// systemDefaultCommands is the fixed is_system template library seeded
// at first startup.
func systemDefaultCommands() []SavedCommand {
	return []SavedCommand{
		{
			ID:          "sys-get-process",
			Name:        "Get-Process",
			Description: "Lists running processes with resource usage, sorted by CPU.",
			Category:    "system",
			Command:     "Get-Process | Sort-Object CPU -Descending | Select-Object -First $Count Name, Id, CPU, WorkingSet | ConvertTo-Json",
			Parameters: []SavedCommandParameter{
				{Name: "Count", Type: "number", Default: "20", Required: false},
			},
			Tags:     []string{"processes", "performance", "monitoring"},
			Version:  1,
			Author:   "system",
			IsSystem: true,
		},
		{
			ID:          "sys-get-service",
			Name:        "Get-Service",
			Description: "Reports Windows service status, grouped by state.",
			Category:    "system",
			Command:     "Get-Service | Group-Object Status | Select-Object Name, Count | ConvertTo-Json",
			Tags:        []string{"services", "status", "monitoring"},
			Version:     1,
			Author:      "system",
			IsSystem:    true,
		},
		{
			ID:          "sys-get-computer-info",
			Name:        "Get-ComputerInfo",
			Description: "Retrieves OS, hardware, and network summary information.",
			Category:    "system",
			Command:     "Get-ComputerInfo | Select-Object WindowsProductName, TotalPhysicalMemory, CsProcessors | ConvertTo-Json",
			Tags:        []string{"system", "hardware", "info"},
			Version:     1,
			Author:      "system",
			IsSystem:    true,
		},
		{
			ID:          "sys-restart-computer",
			Name:        "Restart-Computer",
			Description: "Restarts the endpoint after the given delay, forcing a reboot of running applications.",
			Category:    "power",
			Command:     "Start-Sleep -Seconds $DelaySeconds; Restart-Computer -Force",
			Parameters: []SavedCommandParameter{
				{Name: "DelaySeconds", Type: "number", Default: "0", Required: false},
			},
			Tags:     []string{"power", "restart", "maintenance"},
			Version:  1,
			Author:   "system",
			IsSystem: true,
		},
	}
}

// SeedSystemDefaults implements SavedCommandStore.SeedSystemDefaults.
func (s savedCommandStore) SeedSystemDefaults(ctx context.Context) error {
	for _, cmd := range systemDefaultCommands() {
		_, found, err := s.Get(ctx, cmd.ID)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if err := s.Create(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func hydrateSavedCommand(c *SavedCommand) {
	if c.ParametersJSON != "" {
		_ = json.Unmarshal([]byte(c.ParametersJSON), &c.Parameters)
	}
	if c.TagsJSON != "" {
		_ = json.Unmarshal([]byte(c.TagsJSON), &c.Tags)
	}
}
