// Package etcd discovers TF Serving instances registered under
// /service/<name>/<id> with values of the form host:restPort:grpcPort.
package etcd

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tfserving-textclf/tfsclient/pkg/cluster"
)

type EtcdDiscoveryService struct {
	ServiceName string
	EtcdClient  *clientv3.Client

	listeners cluster.Listeners
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewDiscoveryService() (*EtcdDiscoveryService, error) {
	cfg := clientv3.Config{
		Endpoints:   viper.GetStringSlice("serviceDiscovery.endpoints"),
		DialTimeout: 5 * time.Second,
		Username:    viper.GetString("serviceDiscovery.authorization.username"),
		Password:    viper.GetString("serviceDiscovery.authorization.password"),
	}
	c, err := clientv3.New(cfg)
	if err != nil {
		return nil, err
	}
	return &EtcdDiscoveryService{
		EtcdClient:  c,
		ServiceName: viper.GetString("serviceDiscovery.serviceName"),
	}, nil
}

func (service *EtcdDiscoveryService) prefix() string {
	return fmt.Sprintf("/service/%s/", service.ServiceName)
}

// Start reads the current members and watches the prefix for changes
func (service *EtcdDiscoveryService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	getCtx, getCancel := context.WithTimeout(ctx, 5*time.Second)
	resp, err := service.EtcdClient.Get(getCtx, service.prefix(), clientv3.WithPrefix())
	getCancel()
	if err != nil {
		cancel()
		log.WithError(err).Error("Could not read members from etcd")
		return err
	}

	nodeMap := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodeMap[string(kv.Key)] = string(kv.Value)
	}
	service.listeners.Notify(memberList(nodeMap))

	service.cancel = cancel
	service.wg.Add(1)
	go func() {
		defer service.wg.Done()
		service.watch(ctx, nodeMap, resp.Header.Revision+1)
	}()
	return nil
}

func (service *EtcdDiscoveryService) watch(ctx context.Context, nodeMap map[string]string, rev int64) {
	watchChan := service.EtcdClient.Watch(ctx, service.prefix(), clientv3.WithPrefix(), clientv3.WithRev(rev))
	for updates := range watchChan {
		if updates.Err() != nil {
			log.WithError(updates.Err()).Error("Error reading channel from etcd")
			continue
		}
		if applyEvents(nodeMap, updates.Events) {
			service.listeners.Notify(memberList(nodeMap))
		}
	}
}

func (service *EtcdDiscoveryService) Stop() error {
	if service.cancel != nil {
		service.cancel()
		service.wg.Wait()
		service.cancel = nil
	}
	return service.EtcdClient.Close()
}

func (service *EtcdDiscoveryService) AddNodeListUpdated(key string, sub chan []cluster.ServingService) {
	service.listeners.Add(key, sub)
}

func (service *EtcdDiscoveryService) RemoveNodeListUpdated(key string) {
	service.listeners.Remove(key)
}

// applyEvents updates nodeMap and reports whether anything changed
func applyEvents(nodeMap map[string]string, events []*clientv3.Event) bool {
	isUpdated := false
	for _, event := range events {
		keyStr := string(event.Kv.Key)
		if event.Type == clientv3.EventTypeDelete {
			if _, exists := nodeMap[keyStr]; exists {
				delete(nodeMap, keyStr)
				isUpdated = true
			}
			continue
		}
		valStr := string(event.Kv.Value)
		if val, exists := nodeMap[keyStr]; !exists || val != valStr {
			nodeMap[keyStr] = valStr
			isUpdated = true
		}
	}
	return isUpdated
}

func memberList(nodeMap map[string]string) []cluster.ServingService {
	keys := make([]string, 0, len(nodeMap))
	for k := range nodeMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	members := make([]cluster.ServingService, 0, len(nodeMap))
	for _, k := range keys {
		s, err := cluster.ParseServingService(nodeMap[k])
		if err != nil {
			log.WithError(err).Errorf("Invalid member %s. Skipping: %s", k, nodeMap[k])
			continue
		}
		log.Debugf("Found node: %s: %s", k, nodeMap[k])
		members = append(members, s)
	}
	return members
}
