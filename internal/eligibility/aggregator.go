// Package eligibility собирает допуск по категориям, требования и
// сертификаты в одно представление.
package eligibility

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"carepro-cli/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Filter фильтр списка категорий
type Filter string

const (
	FilterAll      Filter = "all"
	FilterEligible Filter = "eligible"
	FilterPending  Filter = "pending"
)

func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case FilterAll, FilterEligible, FilterPending:
		return f, nil
	case "":
		return FilterAll, nil
	}
	return "", fmt.Errorf("unknown filter %q (want all, eligible or pending)", s)
}

// API вызовы бэкенда, нужные агрегатору
type API interface {
	GetEligibility(ctx context.Context, caregiverID string) (json.RawMessage, error)
	GetServiceRequirements(ctx context.Context) ([]models.CategoryRequirements, error)
	GetCertificates(ctx context.Context, caregiverID string) ([]models.Certificate, error)
}

// View результат загрузки
type View struct {
	Records      []models.EligibilityRecord
	Requirements []models.CategoryRequirements
	Certificates []models.Certificate
	// Warnings ошибки необязательных запросов: список пуст, но причина видна
	Warnings []string

	byCategory map[string]int
}

type Aggregator struct {
	api    API
	logger *zap.Logger
}

func NewAggregator(client API, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{api: client, logger: logger.Named("eligibility")}
}

// Load выполняет три запроса параллельно. Ошибка допуска - ошибка всей загрузки,
// ошибки требований и сертификатов попадают в Warnings.
func (a *Aggregator) Load(ctx context.Context, caregiverID string) (*View, error) {
	view := &View{}
	var mu sync.Mutex
	warn := func(what string, err error) {
		a.logger.Warn("optional request failed", zap.String("request", what), zap.Error(err))
		mu.Lock()
		view.Warnings = append(view.Warnings, fmt.Sprintf("%s unavailable: %v", what, err))
		mu.Unlock()
	}

	var raw json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		raw, err = a.api.GetEligibility(gctx, caregiverID)
		if err != nil {
			return fmt.Errorf("eligibility: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reqs, err := a.api.GetServiceRequirements(gctx)
		if err != nil {
			warn("service requirements", err)
			return nil
		}
		view.Requirements = reqs
		return nil
	})
	g.Go(func() error {
		certs, err := a.api.GetCertificates(gctx, caregiverID)
		if err != nil {
			warn("certificates", err)
			return nil
		}
		view.Certificates = certs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records, err := DecodeRecords(raw)
	if err != nil {
		return nil, err
	}
	view.Records = records
	view.index()
	sort.Strings(view.Warnings)
	return view, nil
}

// DecodeRecords принимает массив записей или объект {категория: запись}.
// Объектная форма - совместимость со старым бэкендом.
func DecodeRecords(raw json.RawMessage) ([]models.EligibilityRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var records []models.EligibilityRecord
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode eligibility list: %w", err)
		}
		return records, nil
	case '{':
		// объект может быть и обёрткой {"categories": [...]}
		var wrapped struct {
			Categories json.RawMessage `json:"categories"`
		}
		if json.Unmarshal(trimmed, &wrapped) == nil && len(wrapped.Categories) > 0 {
			return DecodeRecords(wrapped.Categories)
		}

		var byKey map[string]models.EligibilityRecord
		if err := json.Unmarshal(trimmed, &byKey); err != nil {
			return nil, fmt.Errorf("decode eligibility map: %w", err)
		}
		records := make([]models.EligibilityRecord, 0, len(byKey))
		for category, rec := range byKey {
			if rec.ServiceCategory == "" {
				rec.ServiceCategory = category
			}
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].ServiceCategory < records[j].ServiceCategory
		})
		return records, nil
	}
	return nil, fmt.Errorf("unexpected eligibility payload starting with %q", trimmed[0])
}

func (v *View) index() {
	v.byCategory = make(map[string]int, len(v.Records))
	for i, r := range v.Records {
		v.byCategory[r.ServiceCategory] = i
	}
}

// Record запись по категории
func (v *View) Record(category string) (models.EligibilityRecord, bool) {
	i, ok := v.byCategory[category]
	if !ok {
		return models.EligibilityRecord{}, false
	}
	return v.Records[i], true
}

// Requirement требования категории, если они загрузились
func (v *View) Requirement(category string) (models.CategoryRequirements, bool) {
	for _, r := range v.Requirements {
		if r.ServiceCategory == category {
			return r, true
		}
	}
	return models.CategoryRequirements{}, false
}

// Filter пересчитывается при каждом вызове
func (v *View) Filter(f Filter) []models.EligibilityRecord {
	out := make([]models.EligibilityRecord, 0, len(v.Records))
	for _, r := range v.Records {
		switch f {
		case FilterEligible:
			if !r.IsEligible {
				continue
			}
		case FilterPending:
			if r.IsEligible {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func (v *View) EligibleCount() int {
	return len(v.Filter(FilterEligible))
}

// MarkCertificateUploaded оптимистично убирает тип сертификата из недостающих.
// Пустая категория - во всех категориях. Допуск не меняется: проверку
// сертификата делает сервер.
func (v *View) MarkCertificateUploaded(category, certType string) {
	for i := range v.Records {
		rec := &v.Records[i]
		if category != "" && rec.ServiceCategory != category {
			continue
		}
		kept := make([]string, 0, len(rec.MissingCertificates))
		for _, m := range rec.MissingCertificates {
			if m != certType {
				kept = append(kept, m)
			}
		}
		rec.MissingCertificates = kept
	}
}
