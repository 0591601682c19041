package netgroup

import (
	"encoding/binary"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// meshFile is the descriptor of mesh.proto.
var meshFile = &descriptorpb.FileDescriptorProto{
	Name:    proto.String("moerouter/netgroup/mesh.proto"),
	Package: proto.String("moerouter.netgroup"),
	Syntax:  proto.String("proto3"),
	Options: &descriptorpb.FileOptions{GoPackage: proto.String("github.com/gomlx/moerouter/pkg/core/distributed/netgroup")},
	MessageType: []*descriptorpb.DescriptorProto{{
		Name: proto.String("Frame"),
		Field: []*descriptorpb.FieldDescriptorProto{
			scalarField("seq", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
			scalarField("op", 2, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
			scalarField("kind", 3, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
			scalarField("expect", 4, descriptorpb.FieldDescriptorProto_TYPE_INT64),
			repeatedField("ints", 5, descriptorpb.FieldDescriptorProto_TYPE_INT64),
			repeatedField("floats", 6, descriptorpb.FieldDescriptorProto_TYPE_FLOAT),
			scalarField("half", 7, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
		},
	}},
	Service: []*descriptorpb.ServiceDescriptorProto{{
		Name: proto.String("Mesh"),
		Method: []*descriptorpb.MethodDescriptorProto{{
			Name:            proto.String("Exchange"),
			InputType:       proto.String(".moerouter.netgroup.Frame"),
			OutputType:      proto.String(".moerouter.netgroup.Frame"),
			ClientStreaming: proto.Bool(true),
			ServerStreaming: proto.Bool(true),
		}},
	}},
}

func scalarField(name string, number int32, fieldType descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   fieldType.Enum(),
	}
}

func repeatedField(name string, number int32, fieldType descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	field := scalarField(name, number, fieldType)
	field.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return field
}

var (
	frameDesc = must.M1(protodesc.NewFile(meshFile, new(protoregistry.Files))).Messages().ByName("Frame")

	fieldSeq    = frameDesc.Fields().ByName("seq")
	fieldOp     = frameDesc.Fields().ByName("op")
	fieldKind   = frameDesc.Fields().ByName("kind")
	fieldExpect = frameDesc.Fields().ByName("expect")
	fieldInts   = frameDesc.Fields().ByName("ints")
	fieldFloats = frameDesc.Fields().ByName("floats")
	fieldHalf   = frameDesc.Fields().ByName("half")
)

const (
	meshServiceName = "moerouter.netgroup.Mesh"
	exchangeMethod  = "/" + meshServiceName + "/Exchange"
)

// meshServer accepts the streams opened by peers with larger worker ids. It is implemented by *Comm.
type meshServer interface {
	serveExchange(stream grpc.ServerStream) error
}

var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: meshServiceName,
	HandlerType: (*meshServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Exchange",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(meshServer).serveExchange(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "moerouter/netgroup/mesh.proto",
}

// kind of the values carried by a frame.
type kind uint8

const (
	kindInt64 kind = iota + 1
	kindFloat32
	kindFloat16
)

func floatKind(wire distributed.WireFormat) kind {
	if wire == distributed.WireFloat16 {
		return kindFloat16
	}
	return kindFloat32
}

// anyCount is used as the expected count when the receiver accepts any number of values.
const anyCount = -1

// frame is the unit of data sent from one worker to one peer in a collective.
type frame struct {
	seq  uint64
	op   distributed.Op
	kind kind

	// expect is the number of values the sender expects to receive back from the peer in the same
	// collective, so that both sides can detect a count mismatch.
	expect int

	ints   []int64
	floats []float32
}

func (f *frame) count() int {
	if f.kind == kindInt64 {
		return len(f.ints)
	}
	return len(f.floats)
}

// message converts the frame to its protobuf form.
func (f *frame) message() *dynamicpb.Message {
	m := dynamicpb.NewMessage(frameDesc)
	m.Set(fieldSeq, protoreflect.ValueOfUint64(f.seq))
	m.Set(fieldOp, protoreflect.ValueOfUint32(uint32(f.op)))
	m.Set(fieldKind, protoreflect.ValueOfUint32(uint32(f.kind)))
	m.Set(fieldExpect, protoreflect.ValueOfInt64(int64(f.expect)))
	switch f.kind {
	case kindInt64:
		values := m.Mutable(fieldInts).List()
		for _, v := range f.ints {
			values.Append(protoreflect.ValueOfInt64(v))
		}
	case kindFloat32:
		values := m.Mutable(fieldFloats).List()
		for _, v := range f.floats {
			values.Append(protoreflect.ValueOfFloat32(v))
		}
	case kindFloat16:
		half := make([]byte, 2*len(f.floats))
		for i, v := range f.floats {
			binary.LittleEndian.PutUint16(half[2*i:], float16.Fromfloat32(v).Bits())
		}
		m.Set(fieldHalf, protoreflect.ValueOfBytes(half))
	}
	return m
}

// frameFromMessage converts a received protobuf message to a frame.
func frameFromMessage(m *dynamicpb.Message) (*frame, error) {
	f := &frame{
		seq:    m.Get(fieldSeq).Uint(),
		op:     distributed.Op(m.Get(fieldOp).Uint()),
		kind:   kind(m.Get(fieldKind).Uint()),
		expect: int(m.Get(fieldExpect).Int()),
	}
	switch f.kind {
	case kindInt64:
		values := m.Get(fieldInts).List()
		f.ints = make([]int64, values.Len())
		for i := range f.ints {
			f.ints[i] = values.Get(i).Int()
		}
	case kindFloat32:
		values := m.Get(fieldFloats).List()
		f.floats = make([]float32, values.Len())
		for i := range f.floats {
			f.floats[i] = float32(values.Get(i).Float())
		}
	case kindFloat16:
		half := m.Get(fieldHalf).Bytes()
		if len(half)%2 != 0 {
			return nil, errors.Errorf("frame %s #%d has %d bytes of half precision values, it must be even",
				f.op, f.seq, len(half))
		}
		f.floats = make([]float32, len(half)/2)
		for i := range f.floats {
			f.floats[i] = float16.Frombits(binary.LittleEndian.Uint16(half[2*i:])).Float32()
		}
	default:
		return nil, errors.Errorf("frame %s #%d has unknown kind %d", f.op, f.seq, f.kind)
	}
	return f, nil
}
