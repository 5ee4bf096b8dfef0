// Package moduletest provides canned-response fake implementations of
// the four module-kind contracts, in the style of ai/providers/mock's
// canned-response provider, for use by pipeline and execution tests.
package moduletest

import (
	"context"
	"fmt"

	"github.com/corelane/aipipeline/modules"
)

// EchoSwitch is a ProtocolSwitch that passes the payload through
// unchanged, recording the from/to dialect pair it was asked to convert.
type EchoSwitch struct {
	Calls []string
}

func (s *EchoSwitch) ConvertRequest(payload interface{}, from, to string, _ modules.ExecCtx) (interface{}, error) {
	s.Calls = append(s.Calls, fmt.Sprintf("request:%s->%s", from, to))
	return payload, nil
}

func (s *EchoSwitch) ConvertResponse(payload interface{}, from, to string, _ modules.ExecCtx) (interface{}, error) {
	s.Calls = append(s.Calls, fmt.Sprintf("response:%s->%s", from, to))
	return payload, nil
}

func (s *EchoSwitch) GetStatus() modules.Status { return modules.Status{Healthy: true} }
func (s *EchoSwitch) Destroy() error            { return nil }

var _ modules.ProtocolSwitch = (*EchoSwitch)(nil)

// PassthroughWorkflow never alters streaming intent.
type PassthroughWorkflow struct{}

func (PassthroughWorkflow) ConvertStreamingToNonStreaming(payload interface{}, _ modules.ExecCtx) (interface{}, error) {
	return payload, nil
}
func (PassthroughWorkflow) GetStatus() modules.Status { return modules.Status{Healthy: true} }
func (PassthroughWorkflow) Destroy() error            { return nil }

var _ modules.Workflow = PassthroughWorkflow{}

// IdentityCompatibility maps fields through unchanged.
type IdentityCompatibility struct{}

func (IdentityCompatibility) MapRequest(payload interface{}, _ string, _ modules.ExecCtx) (interface{}, error) {
	return payload, nil
}
func (IdentityCompatibility) MapResponse(payload interface{}, _ string, _ modules.ExecCtx) (interface{}, error) {
	return payload, nil
}
func (IdentityCompatibility) GetStatus() modules.Status { return modules.Status{Healthy: true} }
func (IdentityCompatibility) Destroy() error            { return nil }

var _ modules.Compatibility = IdentityCompatibility{}

// CannedProvider returns a fixed response, optionally failing the first
// N calls (to exercise retry/fallback scenarios) before succeeding.
type CannedProvider struct {
	ID           string
	Response     interface{}
	FailFirstN   int
	calls        int
	Err          error
}

func (p *CannedProvider) ExecuteRequest(payload interface{}, _ modules.ExecCtx) (interface{}, error) {
	p.calls++
	if p.calls <= p.FailFirstN {
		if p.Err != nil {
			return nil, p.Err
		}
		return nil, fmt.Errorf("moduletest: canned failure on call %d", p.calls)
	}
	return p.Response, nil
}

func (p *CannedProvider) ExecuteStreamingRequest(payload interface{}, ectx modules.ExecCtx) (<-chan modules.StreamChunk, error) {
	p.calls++
	if p.calls <= p.FailFirstN {
		ch := make(chan modules.StreamChunk, 1)
		err := p.Err
		if err == nil {
			err = fmt.Errorf("moduletest: canned streaming failure on call %d", p.calls)
		}
		go func() {
			defer close(ch)
			ch <- modules.StreamChunk{Err: err, Done: true}
		}()
		return ch, nil
	}
	ch := make(chan modules.StreamChunk, 1)
	go func() {
		defer close(ch)
		select {
		case <-ectx.Ctx.Done():
			ch <- modules.StreamChunk{Err: ectx.Ctx.Err(), Done: true}
			return
		default:
		}
		ch <- modules.StreamChunk{Data: p.Response, Done: true}
	}()
	return ch, nil
}

func (p *CannedProvider) GetProviderInfo() modules.ProviderInfo {
	return modules.ProviderInfo{ID: p.ID, SupportsStreaming: true}
}
func (p *CannedProvider) CheckHealth(context.Context) error { return nil }
func (p *CannedProvider) GetStatus() modules.Status         { return modules.Status{Healthy: true} }
func (p *CannedProvider) Destroy() error                    { return nil }

var _ modules.Provider = (*CannedProvider)(nil)
