package store

import (
	"context"
	"encoding/json"
	"time"
)

type StationsStore interface {
	Create(ctx context.Context, q Querier, station *PoliceStation) error
	Get(ctx context.Context, q Querier, id string) (*PoliceStation, error)
	List(ctx context.Context, q Querier) ([]PoliceStation, error)
	AdjustActiveCases(ctx context.Context, q Querier, id string, delta int) error
}

type stationsStore struct{}

func NewStationsStore() StationsStore {
	return &stationsStore{}
}

const stationColumns = `id, station_code, name, jurisdiction_json, contact_json, languages_json, active_cases, created_at`

func (s *stationsStore) Create(ctx context.Context, q Querier, station *PoliceStation) error {
	station.CreatedAt = time.Now().UTC()
	if station.Languages == nil {
		station.Languages = []string{}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO police_stations(`+stationColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		station.ID, station.StationCode, station.Name, toJSON(station.Jurisdiction, "{}"), toJSON(station.Contact, "{}"),
		toJSON(station.Languages, "[]"), station.ActiveCases, station.CreatedAt)
	return err
}

func (s *stationsStore) Get(ctx context.Context, q Querier, id string) (*PoliceStation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stationColumns+` FROM police_stations WHERE id=?`, id)
	st, err := scanStation(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (s *stationsStore) List(ctx context.Context, q Querier) ([]PoliceStation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stationColumns+` FROM police_stations ORDER BY station_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PoliceStation
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// AdjustActiveCases applies delta to the counter; a decrement below zero matches no row.
func (s *stationsStore) AdjustActiveCases(ctx context.Context, q Querier, id string, delta int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE police_stations SET active_cases = active_cases + ? WHERE id=? AND active_cases + ? >= 0`,
		delta, id, delta)
	return requireAffected(res, err)
}

func scanStation(row scanner) (PoliceStation, error) {
	var st PoliceStation
	var jurisdictionRaw, contactRaw, languagesRaw string
	if err := row.Scan(&st.ID, &st.StationCode, &st.Name, &jurisdictionRaw, &contactRaw, &languagesRaw, &st.ActiveCases, &st.CreatedAt); err != nil {
		return st, err
	}
	_ = json.Unmarshal([]byte(jurisdictionRaw), &st.Jurisdiction)
	_ = json.Unmarshal([]byte(contactRaw), &st.Contact)
	_ = json.Unmarshal([]byte(languagesRaw), &st.Languages)
	st.CreatedAt = st.CreatedAt.UTC()
	return st, nil
}
