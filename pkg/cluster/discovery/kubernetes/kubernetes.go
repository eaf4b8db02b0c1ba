package kubernetes

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	k8sWatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tfserving-textclf/tfsclient/pkg/cluster"
)

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

type K8sDiscoveryService struct {
	Namespace string
	// Selector that defines the k8s service
	FieldSelector string
	K8sClient     kubernetes.Interface
	// Name of the gRPC port in the k8s service
	GrpcPortName string
	// Name of the REST port in the k8s service
	RestPortName string

	listeners cluster.Listeners
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDiscoveryService uses the kubeconfig at serviceDiscovery.k8s.kubeconfig
// if set and the in-cluster config otherwise
func NewDiscoveryService() (*K8sDiscoveryService, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig := viper.GetString("serviceDiscovery.k8s.kubeconfig"); kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	namespace := viper.GetString("serviceDiscovery.k8s.namespace")
	if namespace == "" {
		if namespace, err = k8sNamespace(); err != nil {
			return nil, err
		}
	}

	fieldSelector := viper.GetStringMapString("serviceDiscovery.k8s.fieldSelector")
	return NewWithClient(clientset, namespace, labels.SelectorFromSet(fieldSelector).String()), nil
}

// NewWithClient watches the endpoints matching fieldSelector in namespace
func NewWithClient(client kubernetes.Interface, namespace string, fieldSelector string) *K8sDiscoveryService {
	return &K8sDiscoveryService{
		K8sClient:     client,
		Namespace:     namespace,
		FieldSelector: fieldSelector,
		GrpcPortName:  viperTryGetString("serviceDiscovery.k8s.portNames.grpc", "grpc"),
		RestPortName:  viperTryGetString("serviceDiscovery.k8s.portNames.rest", "rest"),
	}
}

func (service *K8sDiscoveryService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	watch, err := service.subscribe(ctx)
	if err != nil {
		cancel()
		log.WithError(err).Error("Error subscribing to k8s")
		return err
	}
	service.cancel = cancel
	service.wg.Add(1)
	go func() {
		defer service.wg.Done()
		for {
			service.consume(ctx, watch)
			if ctx.Err() != nil {
				return
			}
			// Watch expired, resubscribe
			for {
				if watch, err = service.subscribe(ctx); err == nil {
					break
				}
				log.WithError(err).Error("Error subscribing to k8s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}()
	return nil
}

func (service *K8sDiscoveryService) subscribe(ctx context.Context) (k8sWatch.Interface, error) {
	return service.K8sClient.CoreV1().Endpoints(service.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: service.FieldSelector,
	})
}

func (service *K8sDiscoveryService) consume(ctx context.Context, watch k8sWatch.Interface) {
	defer watch.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case updates, ok := <-watch.ResultChan():
			if !ok {
				return
			}
			switch updates.Type {
			case k8sWatch.Added, k8sWatch.Modified:
				endpoints, ok := updates.Object.(*v1.Endpoints)
				if !ok {
					log.Error("Error reading object from K8S")
					continue
				}
				service.listeners.Notify(service.membersFromEndpoints(endpoints))
			case k8sWatch.Deleted:
				// Endpoint deleted - no nodes available
				service.listeners.Notify([]cluster.ServingService{})
			}
		}
	}
}

// membersFromEndpoints lists every ready address. The entire list of
// nodes is sent on every update.
func (service *K8sDiscoveryService) membersFromEndpoints(endpoints *v1.Endpoints) []cluster.ServingService {
	nodeMap := make(map[string]cluster.ServingService)
	for _, sub := range endpoints.Subsets {
		grpcPort := 0
		restPort := 0
		for _, port := range sub.Ports {
			switch port.Name {
			case service.GrpcPortName:
				grpcPort = int(port.Port)
			case service.RestPortName:
				restPort = int(port.Port)
			}
		}
		if grpcPort == 0 {
			continue
		}
		for _, addr := range sub.Addresses {
			nodeMap[addr.IP] = cluster.ServingService{
				Host:     addr.IP,
				GrpcPort: grpcPort,
				RestPort: restPort,
			}
		}
	}

	memberList := make([]cluster.ServingService, 0, len(nodeMap))
	for k := range nodeMap {
		memberList = append(memberList, nodeMap[k])
		log.WithFields(log.Fields{
			"host":     k,
			"grpcPort": nodeMap[k].GrpcPort,
			"restPort": nodeMap[k].RestPort,
		}).Debug("Found node")
	}
	sort.Slice(memberList, func(i, j int) bool { return memberList[i].Host < memberList[j].Host })
	return memberList
}

func (service *K8sDiscoveryService) Stop() error {
	if service.cancel != nil {
		service.cancel()
		service.wg.Wait()
		service.cancel = nil
	}
	return nil
}

func (service *K8sDiscoveryService) AddNodeListUpdated(key string, sub chan []cluster.ServingService) {
	service.listeners.Add(key, sub)
}

func (service *K8sDiscoveryService) RemoveNodeListUpdated(key string) {
	service.listeners.Remove(key)
}

// Gets namespace for current pod
func k8sNamespace() (string, error) {
	data, err := os.ReadFile(namespaceFile)
	if err != nil {
		return "", err
	}
	ns := strings.TrimSpace(string(data))
	if ns == "" {
		return "", fmt.Errorf("empty namespace in %s", namespaceFile)
	}
	return ns, nil
}

func viperTryGetString(key string, defaultVal string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return defaultVal
}
