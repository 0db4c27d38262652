/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapterproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/dapclient/pkg/dap"
	"github.com/microsoft/dapclient/pkg/resiliency"
)

// ChildConnector serves 'startDebugging' requests by connecting to a fresh adapter instance:
// either by dialing the same address as the parent, or by spawning another adapter process.
type ChildConnector struct {
	// Address of an adapter server. When set, children are served by new connections to it.
	Address string

	// Adapter is used to spawn a new adapter process per child when Address is empty.
	Adapter Config

	Log logr.Logger

	lock     sync.Mutex
	spawned  []*Adapter
	lifetime context.Context
}

// NewChildConnector creates a connector whose spawned adapter processes live until lifetime is done.
func NewChildConnector(lifetime context.Context, address string, adapter Config, log logr.Logger) *ChildConnector {
	return &ChildConnector{
		Address:  address,
		Adapter:  adapter,
		Log:      log,
		lifetime: lifetime,
	}
}

// Connect is a dap.ChildTransportFactory.
func (c *ChildConnector) Connect(ctx context.Context, parent *dap.Session, args dap.StartDebuggingArguments) (dap.Transport, error) {
	log := c.Log.WithValues("parent", parent.ID(), "request", args.Request)

	if c.Address != "" {
		return Dial(ctx, c.Address, DefaultConnectionTimeout, log)
	}

	if len(c.Adapter.Args) == 0 {
		return nil, resiliency.Permanent(fmt.Errorf("no debug adapter command is configured for child sessions"))
	}

	// The process must outlive the request context, so it is bound to the connector lifetime.
	adapter, err := Start(c.lifetime, c.Adapter, log)
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	c.spawned = append(c.spawned, adapter)
	c.lock.Unlock()

	return adapter.Transport, nil
}

// Stop stops every adapter process spawned for child sessions.
func (c *ChildConnector) Stop() error {
	c.lock.Lock()
	spawned := c.spawned
	c.spawned = nil
	c.lock.Unlock()

	var errs []error
	for _, adapter := range spawned {
		errs = append(errs, adapter.Stop())
	}
	return resiliency.Join(errs...)
}
