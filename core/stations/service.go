package stations

import (
	"context"
	"strings"

	"evidence-ledger/core/audit"
	"evidence-ledger/core/errs"
	"evidence-ledger/core/rbac"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"
)

type NewStation struct {
	StationCode  string             `json:"station_code" validate:"required,max=32"`
	Name         string             `json:"name" validate:"required,max=255"`
	Jurisdiction store.Jurisdiction `json:"jurisdiction" validate:"-"`
	Contact      store.Contact      `json:"contact" validate:"-"`
	Languages    []string           `json:"languages"`
}

// Service manages reference data. Active-case counters are only touched by incident routing.
type Service struct {
	db       *store.DB
	stations store.StationsStore
	audit    *audit.Recorder
	policy   *rbac.Policy
}

func NewService(db *store.DB, stations store.StationsStore, recorder *audit.Recorder, policy *rbac.Policy) *Service {
	return &Service{db: db, stations: stations, audit: recorder, policy: policy}
}

func (s *Service) Create(ctx context.Context, actor store.Actor, in NewStation) (*store.PoliceStation, error) {
	in.StationCode = strings.ToUpper(strings.TrimSpace(in.StationCode))
	in.Name = strings.TrimSpace(in.Name)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !s.policy.Allowed(actor.Role, store.EntityStation, rbac.ActCreate) {
		return nil, errs.New(errs.CodeForbidden, "only admins may register stations")
	}
	st := &store.PoliceStation{
		ID:           utils.NewID(),
		StationCode:  in.StationCode,
		Name:         in.Name,
		Jurisdiction: in.Jurisdiction,
		Contact:      in.Contact,
		Languages:    in.Languages,
	}
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := s.stations.Create(ctx, tx, st); err != nil {
			if store.IsUniqueViolation(err) {
				return errs.Validation("station code %s already exists", st.StationCode)
			}
			return errs.Persistence("insert station", err)
		}
		_, err := s.audit.RecordTx(ctx, tx, actor, audit.Change{
			Action:     audit.ActionStationCreate,
			EntityType: store.EntityStation,
			EntityID:   st.ID,
			New:        st,
		})
		return err
	})
	if err != nil {
		return nil, errs.Persistence("create station", err)
	}
	return st, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.PoliceStation, error) {
	st, err := s.stations.Get(ctx, s.db, id)
	if err != nil {
		return nil, errs.Persistence("get station", err)
	}
	if st == nil {
		return nil, errs.NotFound(store.EntityStation, id)
	}
	return st, nil
}

func (s *Service) List(ctx context.Context) ([]store.PoliceStation, error) {
	items, err := s.stations.List(ctx, s.db)
	if err != nil {
		return nil, errs.Persistence("list stations", err)
	}
	return items, nil
}
