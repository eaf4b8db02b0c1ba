// Package cluster routes models to TF Serving instances by consistent
// hashing, so requests for a model always reach the same few servers and
// those servers only need to keep that model loaded.
package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"stathat.com/c/consistent"

	"github.com/tfserving-textclf/tfsclient/pkg/servingclient"
)

// ServingService contains network information of a
// TF Serving instance
type ServingService struct {
	Host     string
	GrpcPort int
	RestPort int
}

// DiscoveryService is a service discovery provider.
// It reports the current list of ServingServices to its listeners.
type DiscoveryService interface {
	AddNodeListUpdated(string, chan []ServingService)
	RemoveNodeListUpdated(string)
	Start() error
	Stop() error
}

// ClusterState represents the current state of the router
type ClusterState int

const (
	// ClusterStateReady represents that the router is ready to connect
	ClusterStateReady ClusterState = iota
	// ClusterStateStarted represents that the router receives membership updates
	ClusterStateStarted
)

const listenerKey = "router"

// ErrNodeRemoved is returned when the picked node left the cluster before
// a client for it was created
var ErrNodeRemoved = errors.New("node left the cluster")

// Router maps model names to ServingServices and keeps one client per
// service.
type Router struct {
	DiscoveryService DiscoveryService
	ReplicasPerModel int
	ClientConfig     servingclient.Config

	mu               sync.RWMutex
	state            ClusterState
	consistent       *consistent.Consistent
	members          map[string]bool
	clients          map[string]*servingclient.Client
	memberUpdateChan chan []ServingService
	done             chan struct{}
	wg               sync.WaitGroup
}

// NewRouter creates a new Router.
// It does not receive members before Connect() is called.
func NewRouter(dService DiscoveryService, clientConfig servingclient.Config) *Router {
	return &Router{
		DiscoveryService: dService,
		ReplicasPerModel: viper.GetInt("proxy.replicasPerModel"),
		ClientConfig:     clientConfig,
		state:            ClusterStateReady,
		consistent:       consistent.New(),
		members:          make(map[string]bool),
		clients:          make(map[string]*servingclient.Client),
	}
}

// Connect starts the discovery service and listens for membership updates
func (router *Router) Connect() error {
	router.mu.Lock()
	defer router.mu.Unlock()
	if router.state != ClusterStateReady {
		return fmt.Errorf("illegal cluster state: %s", router.state.String())
	}

	router.memberUpdateChan = make(chan []ServingService, 1)
	router.done = make(chan struct{})
	router.DiscoveryService.AddNodeListUpdated(listenerKey, router.memberUpdateChan)
	if err := router.DiscoveryService.Start(); err != nil {
		log.WithError(err).Error("Could not start discovery service")
		router.DiscoveryService.RemoveNodeListUpdated(listenerKey)
		return err
	}
	router.state = ClusterStateStarted
	router.wg.Add(1)
	go router.membersUpdated(router.memberUpdateChan, router.done)
	return nil
}

// Disconnect stops listening for updates and closes all clients
func (router *Router) Disconnect() error {
	router.mu.Lock()
	if router.state != ClusterStateStarted {
		router.mu.Unlock()
		return fmt.Errorf("illegal cluster state: %s", router.state.String())
	}
	router.DiscoveryService.RemoveNodeListUpdated(listenerKey)
	router.state = ClusterStateReady
	close(router.done)
	router.mu.Unlock()
	router.wg.Wait()

	err := router.DiscoveryService.Stop()
	if err != nil {
		log.WithError(err).Error("Could not stop discovery service")
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	for key, client := range router.clients {
		if closeErr := client.Close(); closeErr != nil {
			log.WithError(closeErr).Warnf("Could not close client for %s", key)
		}
		delete(router.clients, key)
	}
	return err
}

// State returns the current state of the router
func (router *Router) State() ClusterState {
	router.mu.RLock()
	defer router.mu.RUnlock()
	return router.state
}

func (router *Router) membersUpdated(updateChan chan []ServingService, done chan struct{}) {
	defer router.wg.Done()
	for {
		select {
		case <-done:
			return
		case memberships := <-updateChan:
			router.setMembers(memberships)
		}
	}
}

func (router *Router) setMembers(memberships []ServingService) {
	services := make([]string, len(memberships))
	current := make(map[string]bool, len(memberships))
	for m := range memberships {
		services[m] = memberships[m].String()
		current[services[m]] = true
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	router.consistent.Set(services)
	router.members = current
	for key, client := range router.clients {
		if !current[key] {
			log.Debugf("Closing client of removed member %s", key)
			if err := client.Close(); err != nil {
				log.WithError(err).Warnf("Could not close client for %s", key)
			}
			delete(router.clients, key)
		}
	}
	log.Debugf("Cluster members updated: %d", len(services))
}

// Members returns the current members
func (router *Router) Members() []ServingService {
	router.mu.RLock()
	members := router.consistent.Members()
	router.mu.RUnlock()
	services := make([]ServingService, 0, len(members))
	for _, m := range members {
		s, err := ParseServingService(m)
		if err == nil {
			services = append(services, s)
		}
	}
	return services
}

// FindNodesForModel returns the nodes that serve the given model
func (router *Router) FindNodesForModel(model string) ([]ServingService, error) {
	replicas := router.ReplicasPerModel
	if replicas < 1 {
		replicas = 1
	}
	router.mu.RLock()
	nodes, err := router.consistent.GetN(model, replicas)
	router.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	services := make([]ServingService, 0, len(nodes))
	for n := range nodes {
		s, err := ParseServingService(nodes[n])
		if err != nil {
			log.WithError(err).Errorf("Invalid member in memberlist. Skipping: %s", nodes[n])
			continue
		}
		services = append(services, s)
	}
	return services, nil
}

// Client returns a client for one of the nodes serving the model. It
// returns ErrNodeRemoved if the membership changed meanwhile; callers
// retry.
func (router *Router) Client(model string) (*servingclient.Client, error) {
	nodes, err := router.FindNodesForModel(model)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, consistent.ErrEmptyCircle
	}
	// Pick random replica
	return router.clientFor(model, nodes[rand.Intn(len(nodes))])
}

func (router *Router) clientFor(model string, node ServingService) (*servingclient.Client, error) {
	key := node.String()
	router.mu.Lock()
	defer router.mu.Unlock()
	if client, ok := router.clients[key]; ok {
		return client, nil
	}
	// Members may have changed since the node was picked
	if !router.members[key] {
		return nil, fmt.Errorf("%s: %w", key, ErrNodeRemoved)
	}
	cfg := router.ClientConfig
	cfg.Address = node.GrpcAddress()
	client, err := servingclient.Dial(cfg)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"model": model, "node": key}).Debug("Created client for node")
	router.clients[key] = client
	return client, nil
}

func (state ClusterState) String() string {
	switch state {
	case ClusterStateReady:
		return "READY"
	case ClusterStateStarted:
		return "STARTED"
	}
	return "UNKNOWN"
}

func (service ServingService) String() string {
	return fmt.Sprintf("%s:%d:%d", service.Host, service.RestPort, service.GrpcPort)
}

// GrpcAddress returns host:grpcPort
func (service ServingService) GrpcAddress() string {
	return net.JoinHostPort(service.Host, strconv.Itoa(service.GrpcPort))
}

// ParseServingService parses host:restPort:grpcPort
func ParseServingService(host string) (ServingService, error) {
	stringParts := strings.Split(host, ":")
	if len(stringParts) != 3 {
		return ServingService{}, fmt.Errorf("expected host:restPort:grpcPort, got %q", host)
	}
	restPort, err := strconv.Atoi(stringParts[1])
	if err != nil {
		log.WithError(err).Errorf("Could not convert port number to int: %s", stringParts[1])
		return ServingService{}, err
	}
	grpcPort, err := strconv.Atoi(stringParts[2])
	if err != nil {
		log.WithError(err).Errorf("Could not convert port number to int: %s", stringParts[2])
		return ServingService{}, err
	}

	return ServingService{
		Host:     stringParts[0],
		RestPort: restPort,
		GrpcPort: grpcPort,
	}, nil
}
