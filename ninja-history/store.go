package main

import (
	"fmt"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"ninja-hashbuild/model"
)

// OutcomeStats aggregates the live builds with one outcome.
type OutcomeStats struct {
	Outcome     string  `json:"outcome"`
	Builds      int64   `json:"builds"`
	AvgElapsed  float64 `json:"avg_elapsed_ms"`
	MaxElapsed  int64   `json:"max_elapsed_ms"`
	EdgesFailed int64   `json:"edges_failed"`
}

// Store answers queries over the history tables. A single connection
// serves all requests.
type Store struct {
	mu   sync.Mutex
	conn *sqlite.Conn

	stmtRecent   *sqlite.Stmt
	stmtBuild    *sqlite.Stmt
	stmtFailures *sqlite.Stmt
	stmtStats    *sqlite.Stmt
}

// OpenStore opens an existing history database. The tables must have been
// migrated already, see OpenDb.
func OpenStore(dbPath string) (*Store, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	s := &Store{conn: conn}
	if err := s.prepare(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare() (err error) {
	// ninja writes while we read.
	if err = sqlitex.ExecuteTransient(s.conn, "PRAGMA busy_timeout = 5000;", nil); err != nil {
		return err
	}
	s.stmtRecent, err = s.conn.Prepare("SELECT `id`, `started_at`, `elapsed_ms`, `outcome`, `targets`, `manifest`, " +
		"`edges_considered`, `edges_executed`, `edges_failed` FROM build_record " +
		"WHERE `deleted` = 0 AND ($outcome = '' OR `outcome` = $outcome) ORDER BY `id` DESC LIMIT $limit;")
	if err != nil {
		return err
	}
	s.stmtBuild, err = s.conn.Prepare("SELECT `id`, `started_at`, `elapsed_ms`, `outcome`, `targets`, `manifest`, " +
		"`edges_considered`, `edges_executed`, `edges_failed` FROM build_record " +
		"WHERE `deleted` = 0 AND `id` = $id;")
	if err != nil {
		return err
	}
	s.stmtFailures, err = s.conn.Prepare("SELECT `id`, `build_id`, `outputs`, `command`, `output`, `status` " +
		"FROM failure_record WHERE `deleted` = 0 AND `build_id` = $build_id ORDER BY `id`;")
	if err != nil {
		return err
	}
	s.stmtStats, err = s.conn.Prepare("SELECT `outcome`, count(*) AS `builds`, avg(`elapsed_ms`) AS `avg_elapsed`, " +
		"max(`elapsed_ms`) AS `max_elapsed`, sum(`edges_failed`) AS `edges_failed` FROM build_record " +
		"WHERE `deleted` = 0 GROUP BY `outcome` ORDER BY `outcome`;")
	return err
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func readBuild(stmt *sqlite.Stmt) *model.BuildRecord {
	return &model.BuildRecord{
		ID:              stmt.GetInt64("id"),
		StartedAt:       stmt.GetInt64("started_at"),
		ElapsedMs:       stmt.GetInt64("elapsed_ms"),
		Outcome:         stmt.GetText("outcome"),
		Targets:         stmt.GetText("targets"),
		Manifest:        stmt.GetText("manifest"),
		EdgesConsidered: int(stmt.GetInt64("edges_considered")),
		EdgesExecuted:   int(stmt.GetInt64("edges_executed")),
		EdgesFailed:     int(stmt.GetInt64("edges_failed")),
	}
}

// RecentBuilds returns up to limit live builds, newest first. An empty
// outcome matches every build.
func (s *Store) RecentBuilds(limit int64, outcome string) ([]*model.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.stmtRecent.Reset()
	s.stmtRecent.SetText("$outcome", outcome)
	s.stmtRecent.SetInt64("$limit", limit)
	ret := []*model.BuildRecord{}
	for {
		hasRow, err := s.stmtRecent.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		ret = append(ret, readBuild(s.stmtRecent))
	}
	return ret, nil
}

// Build returns one live build with its failures, or nil when there is no
// such build.
func (s *Store) Build(id int64) (*model.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.stmtBuild.Reset()
	s.stmtBuild.SetInt64("$id", id)
	hasRow, err := s.stmtBuild.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	build := readBuild(s.stmtBuild)
	build.Failures, err = s.failures(id)
	if err != nil {
		return nil, err
	}
	return build, nil
}

// Failures returns the failed edges of a build.
func (s *Store) Failures(buildID int64) ([]*model.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures(buildID)
}

func (s *Store) failures(buildID int64) ([]*model.FailureRecord, error) {
	defer s.stmtFailures.Reset()
	s.stmtFailures.SetInt64("$build_id", buildID)
	ret := []*model.FailureRecord{}
	for {
		hasRow, err := s.stmtFailures.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		ret = append(ret, &model.FailureRecord{
			ID:      s.stmtFailures.GetInt64("id"),
			BuildID: s.stmtFailures.GetInt64("build_id"),
			Outputs: s.stmtFailures.GetText("outputs"),
			Command: s.stmtFailures.GetText("command"),
			Output:  s.stmtFailures.GetText("output"),
			Status:  s.stmtFailures.GetText("status"),
		})
	}
	return ret, nil
}

// Stats aggregates live builds by outcome.
func (s *Store) Stats() ([]*OutcomeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.stmtStats.Reset()
	ret := []*OutcomeStats{}
	for {
		hasRow, err := s.stmtStats.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		ret = append(ret, &OutcomeStats{
			Outcome:     s.stmtStats.GetText("outcome"),
			Builds:      s.stmtStats.GetInt64("builds"),
			AvgElapsed:  s.stmtStats.GetFloat("avg_elapsed"),
			MaxElapsed:  s.stmtStats.GetInt64("max_elapsed"),
			EdgesFailed: s.stmtStats.GetInt64("edges_failed"),
		})
	}
	return ret, nil
}
