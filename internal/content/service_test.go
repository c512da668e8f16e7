package content

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/indexing"
	"github.com/MarcoPoloResearchLab/nodestore/internal/metrics"
	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/saving"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storage"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const readerID int64 = 42

type serviceEnv struct {
	db       *gorm.DB
	service  *Service
	security *security.Store
	index    *indexing.Store
	root     *nodes.Node
}

func newServiceEnv(t *testing.T, name string) *serviceEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(storage.Models(), &security.EntityRow{}, &security.PermissionRow{}, &indexing.DocumentRow{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	registry := schema.NewRegistry(nil)
	if err := registry.Install(schema.DefaultDefinitions()); err != nil {
		t.Fatalf("install definitions: %v", err)
	}
	clock := func() time.Time { return time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC) }
	collector := metrics.NewCollector()

	provider, err := storage.NewProvider(storage.Config{Database: db, Types: registry, Clock: clock, Metrics: collector})
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}
	securityStore, err := security.NewStore(security.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build security store: %v", err)
	}
	indexStore, err := indexing.NewStore(indexing.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build index store: %v", err)
	}
	recordCache, err := versioning.NewRecordCache(64)
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	resolver, err := versioning.NewResolver(versioning.Config{
		Storage:     provider,
		Permissions: securityStore,
		Cache:       recordCache,
		UserID:      security.UserID,
		Metrics:     collector,
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	saver, err := saving.NewSaver(saving.Config{
		Storage:      provider,
		Indexer:      indexStore,
		Entities:     securityStore,
		Cache:        recordCache,
		RetryBackoff: -1,
		Metrics:      collector,
	})
	if err != nil {
		t.Fatalf("failed to build saver: %v", err)
	}
	service, err := NewService(Config{
		Types:    registry,
		Resolver: resolver,
		Saver:    saver,
		Nodes:    provider,
		Entities: securityStore,
		Index:    indexStore,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	folder, _ := registry.NodeType("Folder")
	root := nodes.NewNode(nodes.NewRecord(folder), nil, nodes.RestrictionNone)
	if err := root.Set(nodes.SlotName, "Root"); err != nil {
		t.Fatalf("set root name: %v", err)
	}
	if err := saver.Save(adminContext(), root, saving.SaveSettings{}); err != nil {
		t.Fatalf("create root: %v", err)
	}
	return &serviceEnv{db: db, service: service, security: securityStore, index: indexStore, root: root}
}

func adminContext() context.Context {
	return security.WithSystemUser(context.Background())
}

func (e *serviceEnv) mustCreate(t *testing.T, request CreateRequest) *nodes.Node {
	t.Helper()
	if request.ParentID == 0 {
		request.ParentID = e.root.ID()
	}
	node, err := e.service.Create(adminContext(), request)
	if err != nil {
		t.Fatalf("create %s failed: %v", request.Name, err)
	}
	return node
}

func mustProperty(t *testing.T, node *nodes.Node, name string) any {
	t.Helper()
	value, err := node.Property(context.Background(), name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return value
}

func TestCreateAssignsInitialVersion(t *testing.T) {
	env := newServiceEnv(t, "content-create")
	testCases := []struct {
		name    string
		draft   bool
		version string
	}{
		{name: "published", version: "V1.0.A"},
		{name: "draft", draft: true, version: "V0.1.D"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			created := env.mustCreate(t, CreateRequest{
				TypeName:   "Article",
				Name:       testCase.name,
				Draft:      testCase.draft,
				Properties: map[string]any{"DisplayName": "Title " + testCase.name},
			})
			loaded, err := env.service.Load(adminContext(), created.ID(), versioning.LastAccessible())
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if loaded.Version().String() != testCase.version {
				t.Fatalf("expected %s, got %s", testCase.version, loaded.Version())
			}
			if loaded.Path() != "/Root/"+testCase.name || loaded.Record().OwnerID() != security.SystemUserID {
				t.Fatalf("unexpected path/owner %s %d", loaded.Path(), loaded.Record().OwnerID())
			}
			if title := mustProperty(t, loaded, "DisplayName"); title != "Title "+testCase.name {
				t.Fatalf("unexpected title %v", title)
			}
		})
	}
}

func TestCreateRequiresCallerAndKnownType(t *testing.T) {
	env := newServiceEnv(t, "content-create-errors")
	if _, err := env.service.Create(context.Background(), CreateRequest{ParentID: env.root.ID(), TypeName: "Article", Name: "x"}); !errors.Is(err, storeerr.ErrSecurityDenied) {
		t.Fatalf("expected anonymous create to be denied, got %v", err)
	}
	if _, err := env.service.Create(adminContext(), CreateRequest{ParentID: env.root.ID(), TypeName: "Widget", Name: "x"}); !errors.Is(err, storeerr.ErrInvalidOperation) {
		t.Fatalf("expected unknown type to be rejected, got %v", err)
	}
	if _, err := env.service.Create(adminContext(), CreateRequest{ParentID: 9999, TypeName: "Article", Name: "x"}); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected missing parent to be not found, got %v", err)
	}
}

func TestUpdateRaisesVersions(t *testing.T) {
	env := newServiceEnv(t, "content-raise")
	created := env.mustCreate(t, CreateRequest{TypeName: "Article", Name: "doc", Properties: map[string]any{"Body": "first body", "Rating": int64(1)}})
	majorID := created.VersionID()

	minor, err := env.service.Update(adminContext(), UpdateRequest{
		NodeID:     created.ID(),
		Raise:      RaiseMinor,
		Properties: map[string]any{"Rating": int64(2)},
	})
	if err != nil {
		t.Fatalf("minor update failed: %v", err)
	}
	if minor.Version().String() != "V1.1.D" || minor.VersionID() == majorID {
		t.Fatalf("expected new minor version, got %s/%d", minor.Version(), minor.VersionID())
	}

	major, err := env.service.Update(adminContext(), UpdateRequest{
		NodeID:     created.ID(),
		Raise:      RaiseMajor,
		Properties: map[string]any{"Rating": int64(3)},
	})
	if err != nil {
		t.Fatalf("major update failed: %v", err)
	}
	if major.Version().String() != "V2.0.A" {
		t.Fatalf("expected V2.0.A, got %s", major.Version())
	}

	finalized, err := env.service.Load(adminContext(), created.ID(), versioning.LastFinalized())
	if err != nil {
		t.Fatalf("load finalized: %v", err)
	}
	if finalized.VersionID() != major.VersionID() {
		t.Fatalf("expected last finalized to be the new major, got %s", finalized.Version())
	}
	if body := mustProperty(t, finalized, "Body"); body != "first body" {
		t.Fatalf("expected body copied through both raises, got %v", body)
	}
	first, err := env.service.Load(adminContext(), created.ID(), versioning.Exact(nodes.InitialVersion))
	if err != nil {
		t.Fatalf("load first version: %v", err)
	}
	if rating := mustProperty(t, first, "Rating"); rating != int64(1) {
		t.Fatalf("expected first version untouched, got %v", rating)
	}
	if len(finalized.Head().Versions) != 3 {
		t.Fatalf("expected three versions, got %+v", finalized.Head().Versions)
	}
}

func TestUpdateOverwritesSpecifiedVersion(t *testing.T) {
	env := newServiceEnv(t, "content-overwrite")
	created := env.mustCreate(t, CreateRequest{TypeName: "Article", Name: "doc", Properties: map[string]any{"Rating": int64(1)}})
	majorID := created.VersionID()
	if _, err := env.service.Update(adminContext(), UpdateRequest{NodeID: created.ID(), Raise: RaiseMinor, Properties: map[string]any{"Rating": int64(2)}}); err != nil {
		t.Fatalf("minor update failed: %v", err)
	}

	overwritten, err := env.service.Update(adminContext(), UpdateRequest{
		NodeID:             created.ID(),
		OverwriteVersionID: majorID,
		Properties:         map[string]any{"DisplayName": "rewritten"},
	})
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if overwritten.VersionID() != majorID || overwritten.Version() != nodes.InitialVersion {
		t.Fatalf("expected the major version to be rewritten, got %s/%d", overwritten.Version(), overwritten.VersionID())
	}
	reloaded, err := env.service.Load(adminContext(), created.ID(), versioning.LastMajor())
	if err != nil {
		t.Fatalf("load major: %v", err)
	}
	if title := mustProperty(t, reloaded, "DisplayName"); title != "rewritten" {
		t.Fatalf("unexpected title %v", title)
	}
	if rating := mustProperty(t, reloaded, "Rating"); rating != int64(2) {
		t.Fatalf("expected values copied from the loaded minor version, got %v", rating)
	}

	if _, err := env.service.Update(adminContext(), UpdateRequest{NodeID: created.ID(), OverwriteVersionID: 123456}); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected foreign version to be rejected, got %v", err)
	}
}

func TestUpdateChecksExpectedTimestamp(t *testing.T) {
	env := newServiceEnv(t, "content-timestamp")
	created := env.mustCreate(t, CreateRequest{TypeName: "Article", Name: "doc"})
	stale := created.Record().NodeTimestamp()

	title := "renamed"
	if _, err := env.service.Update(adminContext(), UpdateRequest{NodeID: created.ID(), ExpectedTimestamp: stale, Name: &title}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	again := "again"
	_, err := env.service.Update(adminContext(), UpdateRequest{NodeID: created.ID(), ExpectedTimestamp: stale, Name: &again})
	if !errors.Is(err, storeerr.ErrOutOfDate) {
		t.Fatalf("expected out of date, got %v", err)
	}
	loaded, err := env.service.LoadByPath(adminContext(), "/Root/renamed", versioning.LastAccessible())
	if err != nil {
		t.Fatalf("load renamed node: %v", err)
	}
	if loaded.ID() != created.ID() {
		t.Fatalf("unexpected node at renamed path: %d", loaded.ID())
	}
}

func TestRestrictedReaderSeesHeadOnly(t *testing.T) {
	env := newServiceEnv(t, "content-restricted")
	created := env.mustCreate(t, CreateRequest{TypeName: "Article", Name: "doc", Properties: map[string]any{
		"DisplayName": "Visible",
		"Body":        "hidden body",
	}})
	if err := env.security.Grant(adminContext(), env.root.ID(), readerID, security.GrantSee); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	readerCtx := security.WithUser(context.Background(), readerID)

	loaded, err := env.service.Load(readerCtx, created.ID(), versioning.LastAccessible())
	if err != nil {
		t.Fatalf("reader load failed: %v", err)
	}
	if loaded.Restriction() != nodes.RestrictionHeadOnly {
		t.Fatalf("expected head-only node, got %s", loaded.Restriction())
	}
	view, err := Describe(readerCtx, loaded)
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if view.Properties["DisplayName"] != "Visible" {
		t.Fatalf("expected see-enabled property, got %+v", view.Properties)
	}
	if _, ok := view.Properties["Body"]; ok {
		t.Fatalf("body must be hidden from a head-only reader: %+v", view.Properties)
	}

	title := "hijacked"
	if _, err := env.service.Update(readerCtx, UpdateRequest{NodeID: created.ID(), Name: &title}); !errors.Is(err, storeerr.ErrSecurityDenied) {
		t.Fatalf("expected edit to be denied, got %v", err)
	}
	if _, err := env.service.Create(readerCtx, CreateRequest{ParentID: env.root.ID(), TypeName: "Article", Name: "new"}); !errors.Is(err, storeerr.ErrSecurityDenied) {
		t.Fatalf("expected create below a restricted parent to be denied, got %v", err)
	}
	if err := env.service.Delete(readerCtx, created.ID(), 0); !errors.Is(err, storeerr.ErrSecurityDenied) {
		t.Fatalf("expected delete to be denied, got %v", err)
	}
	if _, err := env.service.Load(security.WithUser(context.Background(), readerID+1), created.ID(), versioning.LastAccessible()); !errors.Is(err, storeerr.ErrSecurityDenied) {
		t.Fatalf("expected an unrelated user to be denied, got %v", err)
	}
}

func TestDeleteRemovesSubtreeEntitiesAndDocuments(t *testing.T) {
	env := newServiceEnv(t, "content-delete")
	docs := env.mustCreate(t, CreateRequest{TypeName: "Folder", Name: "docs"})
	child := env.mustCreate(t, CreateRequest{ParentID: docs.ID(), TypeName: "Article", Name: "intro"})
	if _, err := env.index.Lookup(context.Background(), child.VersionID()); err != nil {
		t.Fatalf("expected child to be indexed: %v", err)
	}

	if err := env.service.Delete(adminContext(), env.root.ID(), 0); !errors.Is(err, storeerr.ErrInvalidOperation) {
		t.Fatalf("expected root delete to be rejected, got %v", err)
	}
	if err := env.service.Delete(adminContext(), docs.ID(), docs.Record().NodeTimestamp()+1); !errors.Is(err, storeerr.ErrOutOfDate) {
		t.Fatalf("expected stale delete to fail, got %v", err)
	}
	if err := env.service.Delete(adminContext(), docs.ID(), 0); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := env.service.Load(adminContext(), child.ID(), versioning.LastAccessible()); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected child gone, got %v", err)
	}
	var entities int64
	env.db.Model(&security.EntityRow{}).Where("entity_id IN ?", []int64{docs.ID(), child.ID()}).Count(&entities)
	if entities != 0 {
		t.Fatalf("expected security entities removed, found %d", entities)
	}
	var documents int64
	env.db.Model(&indexing.DocumentRow{}).Where("node_id IN ?", []int64{docs.ID(), child.ID()}).Count(&documents)
	if documents != 0 {
		t.Fatalf("expected index documents removed, found %d", documents)
	}
}

func TestMoveRewritesPathsEverywhere(t *testing.T) {
	env := newServiceEnv(t, "content-move")
	archive := env.mustCreate(t, CreateRequest{TypeName: "Folder", Name: "archive"})
	docs := env.mustCreate(t, CreateRequest{TypeName: "Folder", Name: "docs"})
	child := env.mustCreate(t, CreateRequest{ParentID: docs.ID(), TypeName: "Article", Name: "intro"})

	// Warm the cache with the old path.
	if _, err := env.service.LoadByPath(adminContext(), "/Root/docs/intro", versioning.LastAccessible()); err != nil {
		t.Fatalf("load before move: %v", err)
	}

	moved, err := env.service.Move(adminContext(), docs.ID(), archive.ID(), 0)
	if err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if moved.Path() != "/Root/archive/docs" {
		t.Fatalf("unexpected moved path %s", moved.Path())
	}
	loaded, err := env.service.LoadByPath(adminContext(), "/Root/archive/docs/intro", versioning.LastAccessible())
	if err != nil || loaded.ID() != child.ID() {
		t.Fatalf("expected child under the new path, got %v (%v)", loaded, err)
	}
	if _, err := env.service.LoadByPath(adminContext(), "/Root/docs/intro", versioning.LastAccessible()); !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("expected old path to be gone, got %v", err)
	}

	doc, err := env.index.Lookup(context.Background(), child.VersionID())
	if err != nil || doc.Path != "/Root/archive/docs/intro" {
		t.Fatalf("expected index path rewritten, got %+v (%v)", doc, err)
	}
	var entity security.EntityRow
	if err := env.db.Where("entity_id = ?", docs.ID()).Take(&entity).Error; err != nil {
		t.Fatalf("load entity: %v", err)
	}
	if entity.ParentID != archive.ID() {
		t.Fatalf("expected entity re-parented, got %d", entity.ParentID)
	}

	if _, err := env.service.Move(adminContext(), archive.ID(), docs.ID(), 0); !errors.Is(err, storeerr.ErrInvalidOperation) {
		t.Fatalf("expected moving a node below itself to fail, got %v", err)
	}
}

func TestParseRaise(t *testing.T) {
	testCases := []struct {
		raw     string
		want    Raise
		wantErr bool
	}{
		{raw: "", want: RaiseNone},
		{raw: "Minor", want: RaiseMinor},
		{raw: " major ", want: RaiseMajor},
		{raw: "patch", wantErr: true},
	}
	for _, testCase := range testCases {
		got, err := ParseRaise(testCase.raw)
		if testCase.wantErr {
			if !errors.Is(err, storeerr.ErrInvalidOperation) {
				t.Fatalf("ParseRaise(%q) expected invalid operation, got %v", testCase.raw, err)
			}
			continue
		}
		if err != nil || got != testCase.want {
			t.Fatalf("ParseRaise(%q) = %q, %v", testCase.raw, got, err)
		}
	}
}

func TestReloadSchemaRequiresReloader(t *testing.T) {
	env := newServiceEnv(t, "content-reload")
	if _, err := env.service.ReloadSchema(adminContext()); !errors.Is(err, storeerr.ErrInvalidOperation) {
		t.Fatalf("expected missing reloader to be reported, got %v", err)
	}
}
