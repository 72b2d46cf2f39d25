package main

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

// ReportStore publishes finished RunReports to a remote libsql database so a
// fleet of benchmark hosts can be compared in one place. Publishing is
// optional: a Config without a results database leaves it nil.
type ReportStore struct {
	OrgName   string
	ApiToken  string
	Database  string
	AuthToken string
}

func NewReportStore(cfg Config) *ReportStore {
	if cfg.Results.Database == "" {
		return nil
	}
	return &ReportStore{
		OrgName:   cfg.Results.OrgName,
		ApiToken:  cfg.Results.ApiToken,
		Database:  cfg.Results.Database,
		AuthToken: cfg.Credentials.Token,
	}
}

func (s *ReportStore) Connect() (*sql.DB, error) {
	url := fmt.Sprintf("libsql://%v-%v.turso.io?authToken=%v", s.Database, s.OrgName, s.AuthToken)
	return sql.Open("libsql", url)
}

func (s *ReportStore) Init(db *sql.DB, info SysInfo) error {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS parameters (name TEXT PRIMARY KEY, value)")
	if err != nil {
		return err
	}
	meta := map[string]any{
		"time":     time.Now().Format("2006-01-02 15:04:05"),
		"arch":     info.Arch,
		"hostname": info.Hostname,
		"platform": info.Platform,
		"ram":      info.RAM,
		"cpu":      info.CPUCount,
		"freq":     info.CPUFreq,
	}
	parameters := make([]any, 0)
	for key, value := range meta {
		parameters = append(parameters, key, fmt.Sprintf("%v", value))
	}
	placeholders := strings.Join(slices.Repeat([]string{"(?, ?)"}, len(parameters)/2), ", ")
	_, err = db.Exec(
		fmt.Sprintf("INSERT INTO parameters VALUES %v ON CONFLICT DO NOTHING", placeholders),
		parameters...,
	)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		benchmark TEXT,
		mode TEXT,
		status TEXT,
		started_at TEXT,
		ended_at TEXT,
		error TEXT
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS measurements (
		run TEXT,
		benchmark TEXT,
		name TEXT,
		value REAL,
		PRIMARY KEY (run, name)
	)`)
	if err != nil {
		return err
	}
	Logger.Infof("initialized results database %v", s.Database)
	return nil
}

func (s *ReportStore) Publish(db *sql.DB, report RunReport) error {
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(
		"INSERT INTO reports VALUES (?, ?, ?, ?, ?, ?, ?)",
		report.ID,
		report.Benchmark,
		report.Mode,
		string(report.Status),
		report.StartedAt.Format(time.RFC3339),
		report.EndedAt.Format(time.RFC3339),
		report.Error,
	)
	if err != nil {
		return err
	}
	for name, value := range report.Metrics {
		_, err = tx.Exec("INSERT INTO measurements VALUES (?, ?, ?, ?)", report.ID, report.Benchmark, name, value)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
