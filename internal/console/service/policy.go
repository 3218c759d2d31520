package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	ListPolicies(ctx context.Context) ([]domain.PolicyRecord, error)
	GetPolicy(ctx context.Context, id string) (*domain.PolicyRecord, error)
	CreatePolicy(ctx context.Context, p *domain.PolicyRecord) error
	UpdatePolicy(ctx context.Context, p *domain.PolicyRecord) error
	DeletePolicy(ctx context.Context, id string) error
}

// Publisher: часть redis.Client, нужная для широковещательных сигналов.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// InvalidPolicyError: текст не компилируется. Detail уходит автору как есть.
type InvalidPolicyError struct {
	Err error
}

func (e *InvalidPolicyError) Error() string { return "invalid policy: " + e.Err.Error() }

func (e *InvalidPolicyError) Unwrap() error { return e.Err }

type PolicyService struct {
	repo     PolicyRepository
	compiler *policy.Compiler
	rdb      Publisher
	logger   *zap.Logger
}

// NewPolicyService: rdb может быть nil, тогда шлюзы узнают об изменениях только поллингом.
func NewPolicyService(repo PolicyRepository, compiler *policy.Compiler, rdb Publisher, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		repo:     repo,
		compiler: compiler,
		rdb:      rdb,
		logger:   logger.Named("policies"),
	}
}

func (s *PolicyService) Get(ctx context.Context, id string) (*domain.PolicyRecord, error) {
	return s.repo.GetPolicy(ctx, id)
}

// List возвращает все политики из БД
func (s *PolicyService) List(ctx context.Context) ([]domain.PolicyRecord, error) {
	return s.repo.ListPolicies(ctx)
}

// Create компилирует текст, сохраняет его и уведомляет шлюзы
func (s *PolicyService) Create(ctx context.Context, source string) (*domain.PolicyRecord, error) {
	p, err := s.prepare(source)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("policy created", zap.String("package", p.Package), zap.String("revision", p.Revision))
	s.notifyUpdate(ctx)
	return p, nil
}

// Update заменяет текст политики. Package менять нельзя: шлюзы адресуют документ по нему.
func (s *PolicyService) Update(ctx context.Context, id, source string) (*domain.PolicyRecord, error) {
	current, err := s.repo.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.prepare(source)
	if err != nil {
		return nil, err
	}
	if p.Package != current.Package {
		return nil, &InvalidPolicyError{Err: fmt.Errorf("package cannot change from %q to %q", current.Package, p.Package)}
	}
	p.ID = id
	if err := s.repo.UpdatePolicy(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("policy updated", zap.String("package", p.Package), zap.String("revision", p.Revision))
	s.notifyUpdate(ctx)
	return p, nil
}

// Delete удаляет политику
func (s *PolicyService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return err
	}
	s.logger.Info("policy deleted", zap.String("id", id))
	s.notifyUpdate(ctx)
	return nil
}

// Bundle собирает все политики в бандл для шлюзов. Revision совпадает с ID ревизии,
// которую шлюз получит после загрузки, поэтому годится как ETag.
func (s *PolicyService) Bundle(ctx context.Context) (*domain.Bundle, error) {
	records, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}

	bundle := &domain.Bundle{Documents: make([]domain.BundleDocument, 0, len(records))}
	raws := make([]policy.RawDocument, 0, len(records))
	for _, r := range records {
		bundle.Documents = append(bundle.Documents, domain.BundleDocument{Origin: r.Package, Source: r.Source})
		raws = append(raws, policy.RawDocument{Origin: r.Package, Data: []byte(r.Source)})
		if r.UpdatedAt.After(bundle.UpdatedAt) {
			bundle.UpdatedAt = r.UpdatedAt
		}
	}
	bundle.Revision = policy.Fingerprint(raws)
	return bundle, nil
}

// prepare компилирует текст тем же компилятором, что и шлюз. Одна запись: один package.
func (s *PolicyService) prepare(source string) (*domain.PolicyRecord, error) {
	if source == "" {
		return nil, &InvalidPolicyError{Err: errors.New("source is empty")}
	}
	docs, err := s.compiler.Compile("console", []byte(source))
	if err != nil {
		return nil, &InvalidPolicyError{Err: err}
	}
	if len(docs) != 1 {
		return nil, &InvalidPolicyError{Err: fmt.Errorf("expected exactly one document, got %d", len(docs))}
	}
	pkg := docs[0].Package
	return &domain.PolicyRecord{
		Package:  pkg,
		Source:   source,
		Revision: policy.Fingerprint([]policy.RawDocument{{Origin: pkg, Data: []byte(source)}}),
	}, nil
}

// notifyUpdate публикует сигнал в Redis. Все шлюзы, подписанные на канал, перечитают бандл.
// Ошибка публикации не откатывает изменение: поллер шлюза догонит.
func (s *PolicyService) notifyUpdate(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, "refresh").Err(); err != nil {
		s.logger.Warn("policy update signal failed", zap.Error(err))
	}
}
