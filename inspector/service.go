package inspector

import (
	"context"

	"github.com/xiaonanln/rcuvar/rcu"
	"github.com/xiaonanln/rcuvar/util/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service implements the inspector gRPC service
type Service struct {
	registry *Registry
	logger   *logger.Logger
}

// NewService creates a new inspector service over registry
func NewService(registry *Registry) *Service {
	return &Service{
		registry: registry,
		logger:   logger.NewLogger("Inspector"),
	}
}

// ListVariables returns the stats of every registered source keyed by name
func (s *Service) ListVariables(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	variables := make(map[string]interface{})
	for _, name := range s.registry.Names() {
		src, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		variables[name] = describe(src, false)
	}

	result, err := structpb.NewStruct(map[string]interface{}{"variables": variables})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode variables: %v", err)
	}
	return result, nil
}

// GetVariable returns the stats and retired versions of one source
func (s *Service) GetVariable(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	name := req.GetValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "variable name is required")
	}

	src, ok := s.registry.Get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "variable %s not found", name)
	}

	result, err := structpb.NewStruct(describe(src, true))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode variable %s: %v", name, err)
	}
	s.logger.Debugf("Described variable %s", name)
	return result, nil
}

func describe(src Source, withRetired bool) map[string]interface{} {
	stats := src.Stats()
	desc := map[string]interface{}{
		"name":             stats.Name,
		"version":          float64(stats.Version),
		"live_versions":    float64(stats.LiveVersions),
		"retired_versions": float64(stats.RetiredVersions),
		"writing":          stats.Writing,
	}

	if withRetired {
		if lister, ok := src.(retiredLister); ok {
			desc["retired"] = retiredList(lister.Retired())
		}
	}
	return desc
}

func retiredList(retired []rcu.RetiredVersion) []interface{} {
	out := make([]interface{}, 0, len(retired))
	for _, r := range retired {
		out = append(out, map[string]interface{}{
			"version": float64(r.Version),
			"readers": float64(r.Readers),
		})
	}
	return out
}
