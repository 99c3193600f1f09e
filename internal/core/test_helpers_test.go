package core

import (
	"cascadecore/internal/deletion"
	"cascadecore/internal/infra/persistence/memory"
	"cascadecore/pkg/domain"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine())
	registry := deletion.NewRegistryBuilder().MustBuild()
	return NewService(store, deletion.NewCoordinator(store, registry), nil)
}

func unit(id string) *domain.OrganisationUnit {
	return &domain.OrganisationUnit{Base: domain.Base{ID: id, Name: id}}
}
