// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cmdbuf

import (
	"github.com/gogpu/cmdbuf/client"
	"github.com/gogpu/cmdbuf/service"
)

// Context is a client context created by a Factory. It embeds the GPU-API
// front end and owns the service-side command buffer it talks to.
//
// A Context must be used by one goroutine at a time.
type Context struct {
	*client.Context

	stub    *service.CommandBufferStub
	factory *Factory
}

// CommandBuffer returns the service side of the context. Its read accessors
// expose object contents for inspection.
func (c *Context) CommandBuffer() *service.CommandBufferStub { return c.stub }

// Destroy waits for the service to drain the context's commands, releases
// its resources and leaves the share group. It is idempotent.
func (c *Context) Destroy() {
	if !c.factory.remove(c) {
		return
	}
	c.Context.Destroy()
	c.stub.Destroy()
}
