package worklet

import (
	"github.com/joeycumines/worklet/internal/protocol"
)

// encodeArgs marshals call arguments into wire graphs. Transfers detach at
// this point: a *Buffer argument is unusable afterwards even if the call
// itself later fails.
func (b *Bridge) encodeArgs(args []any) ([]*protocol.ValueGraph, error) {
	if len(args) == 0 {
		return nil, nil
	}
	graphs := make([]*protocol.ValueGraph, len(args))
	for i, arg := range args {
		g, err := b.encodeGraph(arg)
		if err != nil {
			return nil, err
		}
		graphs[i] = g
	}
	return graphs, nil
}

func (b *Bridge) encodeGraph(v any) (*protocol.ValueGraph, error) {
	g, err := protocol.EncodeGo(v, b.encodeLeaf)
	if err != nil {
		return nil, asError(err)
	}
	return g, nil
}

// encodeLeaf handles the value kinds beyond plain data: buffers move, proxies
// travel as handle refs, worklet errors travel as error nodes.
func (b *Bridge) encodeLeaf(v any) (protocol.Node, bool, error) {
	switch x := v.(type) {
	case *Buffer:
		data, err := x.take()
		if err != nil {
			return protocol.Node{}, false, protocol.Unmarshalable("buffer already transferred")
		}
		return protocol.Node{Kind: protocol.NodeTransfer, Bin: data}, true, nil
	case *Proxy:
		s := x.state
		if err := s.gate(); err != nil {
			return protocol.Node{}, false, err
		}
		name := ""
		if s.desc != nil {
			name = s.desc.Name
		}
		return protocol.Node{Kind: protocol.NodeHandle, Handle: s.handle, Name: name}, true, nil
	case *Error:
		return protocol.Node{Kind: protocol.NodeError, Name: string(x.Kind), Str: x.Message}, true, nil
	}
	return protocol.Node{}, false, nil
}

func (b *Bridge) decodeGraph(g *protocol.ValueGraph) (any, error) {
	v, err := protocol.DecodeGo(g, b.decodeLeaf)
	if err != nil {
		return nil, asError(err)
	}
	return v, nil
}

// decodeLeaf materializes the non-plain node kinds on the controller side.
// Every decoded handle node yields a distinct Proxy, each owning one
// reference to the shared remote object.
func (b *Bridge) decodeLeaf(n protocol.Node) (any, bool, error) {
	switch n.Kind {
	case protocol.NodeTransfer:
		return bufferOwning(n.Bin), true, nil
	case protocol.NodeHandle:
		return b.adoptState(n.Handle, n.Name).outer(), true, nil
	case protocol.NodeError:
		return newError(ErrUserThrown, "%s: %s", n.Name, n.Str), true, nil
	}
	return nil, false, nil
}

// asError normalizes marshaling failures to the package error type.
func asError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	if werr, ok := err.(*protocol.WireError); ok {
		return newError(ErrorKind(werr.Kind), "%s", werr.Message)
	}
	return wrapError(ErrUnmarshalable, err, "marshal failed")
}
