package main

import (
	"encoding/json"
	"net/http"

	"arx/pkg/kv"
	"arx/pkg/rpc"
	"arx/pkg/rpc/registry"
)

// installNodeEndpoints registers the built-in node surface. These are
// local reads: they never forward and never write.
func installNodeEndpoints(reg *registry.Registry, store kv.Store, nodeID kv.NodeID) {
	localGet := registry.Properties{
		ExecuteLocally:     true,
		ForwardingRequired: registry.ForwardingNever,
	}

	reg.Install(&registry.EndpointDefinition{
		Method:     "/node/status",
		Verb:       http.MethodGet,
		Properties: localGet,
		Handler: func(args *registry.EndpointContext) error {
			status := map[string]any{
				"node_id": nodeID,
			}
			if c := store.GetConsensus(); c != nil {
				status["primary"] = c.Primary()
				status["is_primary"] = c.IsPrimary()
				status["consensus"] = c.Type().String()
				status["committed_seqno"] = c.CommittedSeqno()
			}
			return writeJSON(args.Ctx, status)
		},
	})

	reg.Install(&registry.EndpointDefinition{
		Method:     "/node/network",
		Verb:       http.MethodGet,
		Properties: localGet,
		Handler: func(args *registry.EndpointContext) error {
			view := args.Tx.GetView(kv.TableNodes)
			nodes := map[string]kv.NodeInfo{}
			if c := store.GetConsensus(); c != nil {
				for _, id := range c.ActiveNodes() {
					info, ok, err := kv.GetJSON[kv.NodeInfo](view, kv.IDKey(id))
					if err != nil {
						return err
					}
					if ok {
						nodes[kv.IDKey(id)] = info
					}
				}
			}
			return writeJSON(args.Ctx, map[string]any{"nodes": nodes})
		},
	})

	reg.Install(&registry.EndpointDefinition{
		Method:     "/node/service",
		Verb:       http.MethodGet,
		Properties: localGet,
		Handler: func(args *registry.EndpointContext) error {
			view := args.Tx.GetView(kv.TableService)
			record, ok, err := kv.GetGloballyCommittedJSON[kv.ServiceRecord](view, kv.ServiceKey)
			if err != nil {
				return err
			}
			if !ok {
				return rpc.NewHTTPError(http.StatusNotFound, "No service record is committed yet")
			}
			return writeJSON(args.Ctx, record)
		},
	})
}

func writeJSON(ctx *rpc.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx.SetApplyWrites(false)
	ctx.SetResponseStatus(http.StatusOK)
	ctx.SetResponseHeader("content-type", rpc.ContentTypeJSON)
	ctx.SetResponseBody(raw)
	return nil
}
