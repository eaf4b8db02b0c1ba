package consul

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tfserving-textclf/tfsclient/pkg/cluster"
)

// RestPortMetaKey is the service meta key holding the REST port of a
// TF Serving instance. The registered service port is the gRPC port.
const RestPortMetaKey = "restPort"

type ConsulDiscoveryService struct {
	ServiceName  string
	ConsulClient *api.Client
	PollInterval time.Duration

	listeners cluster.Listeners
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewDiscoveryService() (*ConsulDiscoveryService, error) {
	config := api.DefaultConfig()
	if addr := viper.GetString("serviceDiscovery.consul.address"); addr != "" {
		config.Address = addr
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, viper.GetString("serviceDiscovery.serviceName"), viper.GetDuration("serviceDiscovery.pollInterval")), nil
}

// NewWithClient watches serviceName using an existing consul client
func NewWithClient(client *api.Client, serviceName string, pollInterval time.Duration) *ConsulDiscoveryService {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &ConsulDiscoveryService{
		ServiceName:  serviceName,
		ConsulClient: client,
		PollInterval: pollInterval,
	}
}

func (consul *ConsulDiscoveryService) Start() error {
	consul.done = make(chan struct{})
	consul.wg.Add(1)
	go func() {
		defer consul.wg.Done()
		ticker := time.NewTicker(consul.PollInterval)
		defer ticker.Stop()
		for {
			consul.poll()
			select {
			case <-consul.done:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (consul *ConsulDiscoveryService) Stop() error {
	if consul.done != nil {
		close(consul.done)
		consul.wg.Wait()
		consul.done = nil
	}
	return nil
}

func (consul *ConsulDiscoveryService) AddNodeListUpdated(key string, sub chan []cluster.ServingService) {
	consul.listeners.Add(key, sub)
}

func (consul *ConsulDiscoveryService) RemoveNodeListUpdated(key string) {
	consul.listeners.Remove(key)
}

func (consul *ConsulDiscoveryService) poll() {
	res, _, err := consul.ConsulClient.Health().Service(consul.ServiceName, "", true, &api.QueryOptions{})
	if err != nil {
		log.WithError(err).Error("Error getting services")
		return
	}
	consul.listeners.Notify(servicesFromEntries(res))
}

func servicesFromEntries(entries []*api.ServiceEntry) []cluster.ServingService {
	passingNodes := make([]cluster.ServingService, 0, len(entries))
	for k := range entries {
		addr := entries[k].Service.Address
		if addr == "" {
			// Fallback to node addr
			addr = entries[k].Node.Address
		}
		restPort := 0
		if p, ok := entries[k].Service.Meta[RestPortMetaKey]; ok {
			var err error
			if restPort, err = strconv.Atoi(p); err != nil {
				log.WithError(err).Warnf("Invalid rest port for %s: %s", entries[k].Service.ID, p)
				restPort = 0
			}
		}
		log.Debugf("Found node: %s: %s:%d", entries[k].Service.ID, addr, entries[k].Service.Port)
		passingNodes = append(passingNodes, cluster.ServingService{
			Host:     addr,
			GrpcPort: entries[k].Service.Port,
			RestPort: restPort,
		})
	}
	return passingNodes
}
