package etcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tfserving-textclf/tfsclient/pkg/cluster"
)

func putEvent(key, value string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}}
}

func deleteEvent(key string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestApplyEvents(t *testing.T) {
	nodeMap := map[string]string{}

	assert.True(t, applyEvents(nodeMap, []*clientv3.Event{
		putEvent("/service/tfs/b", "10.0.0.2:8501:8500"),
		putEvent("/service/tfs/a", "10.0.0.1:8501:8500"),
	}))
	assert.Equal(t, []cluster.ServingService{
		{Host: "10.0.0.1", RestPort: 8501, GrpcPort: 8500},
		{Host: "10.0.0.2", RestPort: 8501, GrpcPort: 8500},
	}, memberList(nodeMap))

	// Lease refresh with the same value
	assert.False(t, applyEvents(nodeMap, []*clientv3.Event{putEvent("/service/tfs/a", "10.0.0.1:8501:8500")}))

	assert.True(t, applyEvents(nodeMap, []*clientv3.Event{deleteEvent("/service/tfs/b")}))
	assert.Len(t, memberList(nodeMap), 1)

	assert.False(t, applyEvents(nodeMap, []*clientv3.Event{deleteEvent("/service/tfs/unknown")}))
}

func TestMemberListSkipsInvalidValues(t *testing.T) {
	members := memberList(map[string]string{
		"/service/tfs/a": "10.0.0.1:8500",
		"/service/tfs/b": "10.0.0.2:8501:8500",
	})
	assert.Equal(t, []cluster.ServingService{{Host: "10.0.0.2", RestPort: 8501, GrpcPort: 8500}}, members)
}

func TestPrefix(t *testing.T) {
	service := &EtcdDiscoveryService{ServiceName: "tensorflow-serving"}
	assert.Equal(t, "/service/tensorflow-serving/", service.prefix())
}
