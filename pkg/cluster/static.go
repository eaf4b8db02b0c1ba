package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// StaticDiscoveryService reports a fixed list of services
type StaticDiscoveryService struct {
	Services  []ServingService
	listeners Listeners
}

// NewStaticDiscoveryService parses addresses of the form host:grpcPort
// or host:restPort:grpcPort
func NewStaticDiscoveryService(addresses []string) (*StaticDiscoveryService, error) {
	services := make([]ServingService, 0, len(addresses))
	for _, addr := range addresses {
		parts := strings.Split(addr, ":")
		switch len(parts) {
		case 2:
			grpcPort, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid grpc port in %q: %w", addr, err)
			}
			services = append(services, ServingService{Host: parts[0], GrpcPort: grpcPort})
		case 3:
			s, err := ParseServingService(addr)
			if err != nil {
				return nil, err
			}
			services = append(services, s)
		default:
			return nil, fmt.Errorf("invalid serving address %q", addr)
		}
	}
	return &StaticDiscoveryService{Services: services}, nil
}

func (s *StaticDiscoveryService) AddNodeListUpdated(key string, ch chan []ServingService) {
	s.listeners.Add(key, ch)
}

func (s *StaticDiscoveryService) RemoveNodeListUpdated(key string) {
	s.listeners.Remove(key)
}

func (s *StaticDiscoveryService) Start() error {
	s.listeners.Notify(s.Services)
	return nil
}

func (s *StaticDiscoveryService) Stop() error {
	return nil
}
