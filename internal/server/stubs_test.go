package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/nodestore/internal/auth"
	"github.com/MarcoPoloResearchLab/nodestore/internal/content"
	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	"go.uber.org/zap"
)

const (
	stubToken  = "stub-token"
	stubUserID = int64(42)
)

type stubSessionValidator struct {
	validateErr error
}

func (s stubSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	if s.validateErr != nil {
		return auth.SessionClaims{}, s.validateErr
	}
	if r.Header.Get("Authorization") != "Bearer "+stubToken {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	claims := auth.SessionClaims{UserID: "reader"}
	claims.Subject = "reader"
	return claims, nil
}

type stubUserResolver struct {
	userID int64
	err    error
}

func (s stubUserResolver) ResolveCanonicalUserID(context.Context, auth.SessionClaims) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.userID == 0 {
		return stubUserID, nil
	}
	return s.userID, nil
}

// stubContentService records the requests it receives. Operations that would
// return a node fail with err, so handlers never describe a nil node.
type stubContentService struct {
	mu sync.Mutex

	err      error
	hidden   map[int64]bool
	reloaded bool

	callerID     int64
	loadRequests []versioning.VersionRequest
	loadedPaths  []string
	created      content.CreateRequest
	updated      content.UpdateRequest
	deleted      [2]int64
	moved        [3]int64
}

func (s *stubContentService) Load(ctx context.Context, nodeID int64, request versioning.VersionRequest) (*nodes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerID = security.UserID(ctx)
	s.loadRequests = append(s.loadRequests, request)
	if s.hidden[nodeID] {
		return nil, storeerr.New(storeerr.KindSecurityDenied, "stub.load", "node %d hidden", nodeID)
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}

func (s *stubContentService) LoadByPath(ctx context.Context, path string, request versioning.VersionRequest) (*nodes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerID = security.UserID(ctx)
	s.loadedPaths = append(s.loadedPaths, path)
	s.loadRequests = append(s.loadRequests, request)
	return nil, s.failure()
}

func (s *stubContentService) Create(ctx context.Context, request content.CreateRequest) (*nodes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerID = security.UserID(ctx)
	s.created = request
	return nil, s.failure()
}

func (s *stubContentService) Update(ctx context.Context, request content.UpdateRequest) (*nodes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerID = security.UserID(ctx)
	s.updated = request
	return nil, s.failure()
}

func (s *stubContentService) Delete(ctx context.Context, nodeID, expectedTimestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerID = security.UserID(ctx)
	s.deleted = [2]int64{nodeID, expectedTimestamp}
	return s.err
}

func (s *stubContentService) Move(ctx context.Context, nodeID, targetParentID, expectedTimestamp int64) (*nodes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerID = security.UserID(ctx)
	s.moved = [3]int64{nodeID, targetParentID, expectedTimestamp}
	return nil, s.failure()
}

func (s *stubContentService) ReloadSchema(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerID = security.UserID(ctx)
	return s.reloaded, s.err
}

func (s *stubContentService) failure() error {
	if s.err != nil {
		return s.err
	}
	return errors.New("stub content service returns no nodes")
}

func mustStubHandler(t *testing.T, service *stubContentService, users stubUserResolver, deps Dependencies) http.Handler {
	t.Helper()
	deps.SessionValidator = stubSessionValidator{}
	deps.Users = users
	deps.Content = service
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}
