// Package logging writes engine events to glog. Batches and terminal errors
// log at info level, retries at V(1), merges and notifications at V(2).
package logging

import (
	"context"

	"github.com/golang/glog"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
)

// Subscribe attaches the glog writers to the global bus.
func Subscribe() (unsubscribe func()) {
	uns := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.BatchFinish) {
			if e.Err != nil {
				glog.Errorf("[batch]%s %s %s failed after %d attempt(s) in %s: %v", e.OperationID, e.OperationType, name(e.OperationName), e.Attempts, e.Duration, e.Err)
				return
			}
			glog.Infof("[batch]%s %s %s ok attempts=%d field_errors=%d in %s", e.OperationID, e.OperationType, name(e.OperationName), e.Attempts, e.FieldErrors, e.Duration)
		}),
		eventbus.Subscribe(func(_ context.Context, e events.BatchDropped) {
			glog.Infof("[batch]dropped %s requests=%d", e.OperationType, e.Requests)
		}),
		eventbus.Subscribe(func(_ context.Context, e events.Retry) {
			glog.V(1).Infof("[retry]%s attempt %d failed, retrying in %s: %v", e.OperationID, e.Attempt, e.Delay, e.Err)
		}),
		eventbus.Subscribe(func(_ context.Context, e events.BatchFlushed) {
			glog.V(2).Infof("[flush]%s requests=%d selections=%d deduplicated=%d", e.OperationType, e.Requests, e.Selections, e.Deduplicated)
		}),
		eventbus.Subscribe(func(_ context.Context, e events.CacheMerge) {
			if e.Err != nil {
				glog.Errorf("[merge]%s rejected: %v", e.OperationID, e.Err)
				return
			}
			glog.V(2).Infof("[merge]%s shared=%t changed=%d entries=%d", e.OperationID, e.Shared, e.Changed, e.Entries)
		}),
		eventbus.Subscribe(func(_ context.Context, e events.Notify) {
			glog.V(2).Infof("[notify]changed=%d subscribers=%d", e.Changed, e.Subscribers)
		}),
		eventbus.Subscribe(func(_ context.Context, e events.CacheCollect) {
			glog.V(1).Infof("[gc]evicted=%d remaining=%d", e.Evicted, e.Remaining)
		}),
	}
	return func() {
		for _, un := range uns {
			un()
		}
	}
}

func name(n string) string {
	if n == "" {
		return "(anonymous)"
	}
	return n
}
