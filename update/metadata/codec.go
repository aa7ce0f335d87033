// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every manifest message type.
type Message interface {
	appendFields(b []byte) []byte
	unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error)
}

// Marshal encodes m in the protobuf wire format, fields in number order.
func Marshal(m Message) ([]byte, error) {
	return m.appendFields(nil), nil
}

// Unmarshal decodes b into m. Unknown fields are skipped.
func Unmarshal(b []byte, m Message) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := m.unmarshalField(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}

// skip tells Unmarshal to discard the current field.
const skip = -1

func wantType(typ, want protowire.Type) error {
	if typ != want {
		return fmt.Errorf("wire type %d, want %d", typ, want)
	}
	return nil
}

func consumeUint64(typ protowire.Type, b []byte, dst **uint64) (int, error) {
	if err := wantType(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = &v
	return n, nil
}

func consumeUint32(typ protowire.Type, b []byte, dst **uint32) (int, error) {
	var v *uint64
	n, err := consumeUint64(typ, b, &v)
	if err != nil {
		return 0, err
	}
	u := uint32(*v)
	*dst = &u
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst **int64) (int, error) {
	var v *uint64
	n, err := consumeUint64(typ, b, &v)
	if err != nil {
		return 0, err
	}
	i := int64(*v)
	*dst = &i
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, dst **bool) (int, error) {
	var v *uint64
	n, err := consumeUint64(typ, b, &v)
	if err != nil {
		return 0, err
	}
	t := *v != 0
	*dst = &t
	return n, nil
}

func consumeFixed32(typ protowire.Type, b []byte, dst **uint32) (int, error) {
	if err := wantType(typ, protowire.Fixed32Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = &v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if err := wantType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte{}, v...)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst **string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	if err != nil {
		return 0, err
	}
	s := string(v)
	*dst = &s
	return n, nil
}

// consumeMessage decodes an embedded message into a freshly allocated m.
func consumeMessage(typ protowire.Type, b []byte, m Message) (int, error) {
	if err := wantType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := Unmarshal(v, m); err != nil {
		return 0, err
	}
	return n, nil
}

func appendUint64(b []byte, num protowire.Number, v *uint64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, *v)
}

func appendUint32(b []byte, num protowire.Number, v *uint32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}

func appendInt64(b []byte, num protowire.Number, v *int64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}

func appendBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(*v))
}

func appendFixed32(b []byte, num protowire.Number, v *uint32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, *v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v *string) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, *v)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendFields(nil))
}

func (m *Extent) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, m.StartBlock)
	b = appendUint64(b, 2, m.NumBlocks)
	return b
}

func (m *Extent) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeUint64(typ, b, &m.StartBlock)
	case 2:
		return consumeUint64(typ, b, &m.NumBlocks)
	}
	return skip, nil
}

func (m *Signatures) appendFields(b []byte) []byte {
	for _, s := range m.Signatures {
		b = appendMessage(b, 1, s)
	}
	return b
}

func (m *Signatures) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		s := &Signatures_Signature{}
		n, err := consumeMessage(typ, b, s)
		if err == nil {
			m.Signatures = append(m.Signatures, s)
		}
		return n, err
	}
	return skip, nil
}

func (m *Signatures_Signature) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, m.Version)
	b = appendBytes(b, 2, m.Data)
	b = appendFixed32(b, 3, m.UnpaddedSignatureSize)
	return b
}

func (m *Signatures_Signature) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeUint32(typ, b, &m.Version)
	case 2:
		return consumeBytes(typ, b, &m.Data)
	case 3:
		return consumeFixed32(typ, b, &m.UnpaddedSignatureSize)
	}
	return skip, nil
}

func (m *PartitionInfo) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, m.Size)
	b = appendBytes(b, 2, m.Hash)
	return b
}

func (m *PartitionInfo) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeUint64(typ, b, &m.Size)
	case 2:
		return consumeBytes(typ, b, &m.Hash)
	}
	return skip, nil
}

func (m *ImageInfo) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.Board)
	b = appendString(b, 2, m.Key)
	b = appendString(b, 3, m.Channel)
	b = appendString(b, 4, m.Version)
	b = appendString(b, 5, m.BuildChannel)
	b = appendString(b, 6, m.BuildVersion)
	return b
}

func (m *ImageInfo) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.Board)
	case 2:
		return consumeString(typ, b, &m.Key)
	case 3:
		return consumeString(typ, b, &m.Channel)
	case 4:
		return consumeString(typ, b, &m.Version)
	case 5:
		return consumeString(typ, b, &m.BuildChannel)
	case 6:
		return consumeString(typ, b, &m.BuildVersion)
	}
	return skip, nil
}

func (m *InstallOperation) appendFields(b []byte) []byte {
	if m.Type != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.Type))
	}
	b = appendUint64(b, 2, m.DataOffset)
	b = appendUint64(b, 3, m.DataLength)
	for _, e := range m.SrcExtents {
		b = appendMessage(b, 4, e)
	}
	b = appendUint64(b, 5, m.SrcLength)
	for _, e := range m.DstExtents {
		b = appendMessage(b, 6, e)
	}
	b = appendUint64(b, 7, m.DstLength)
	b = appendBytes(b, 8, m.DataSha256Hash)
	b = appendBytes(b, 9, m.SrcSha256Hash)
	return b
}

func (m *InstallOperation) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		var v *uint64
		n, err := consumeUint64(typ, b, &v)
		if err != nil {
			return 0, err
		}
		m.Type = InstallOperation_Type(*v).Enum()
		return n, nil
	case 2:
		return consumeUint64(typ, b, &m.DataOffset)
	case 3:
		return consumeUint64(typ, b, &m.DataLength)
	case 4:
		e := &Extent{}
		n, err := consumeMessage(typ, b, e)
		if err == nil {
			m.SrcExtents = append(m.SrcExtents, e)
		}
		return n, err
	case 5:
		return consumeUint64(typ, b, &m.SrcLength)
	case 6:
		e := &Extent{}
		n, err := consumeMessage(typ, b, e)
		if err == nil {
			m.DstExtents = append(m.DstExtents, e)
		}
		return n, err
	case 7:
		return consumeUint64(typ, b, &m.DstLength)
	case 8:
		return consumeBytes(typ, b, &m.DataSha256Hash)
	case 9:
		return consumeBytes(typ, b, &m.SrcSha256Hash)
	}
	return skip, nil
}

func (m *PartitionUpdate) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.PartitionName)
	b = appendBool(b, 2, m.RunPostinstall)
	b = appendString(b, 3, m.PostinstallPath)
	b = appendString(b, 4, m.FilesystemType)
	for _, s := range m.NewPartitionSignature {
		b = appendMessage(b, 5, s)
	}
	if m.OldPartitionInfo != nil {
		b = appendMessage(b, 6, m.OldPartitionInfo)
	}
	if m.NewPartitionInfo != nil {
		b = appendMessage(b, 7, m.NewPartitionInfo)
	}
	for _, op := range m.Operations {
		b = appendMessage(b, 8, op)
	}
	b = appendBool(b, 9, m.PostinstallOptional)
	if m.HashTreeDataExtent != nil {
		b = appendMessage(b, 10, m.HashTreeDataExtent)
	}
	if m.HashTreeExtent != nil {
		b = appendMessage(b, 11, m.HashTreeExtent)
	}
	b = appendString(b, 12, m.HashTreeAlgorithm)
	b = appendBytes(b, 13, m.HashTreeSalt)
	if m.FecDataExtent != nil {
		b = appendMessage(b, 14, m.FecDataExtent)
	}
	if m.FecExtent != nil {
		b = appendMessage(b, 15, m.FecExtent)
	}
	b = appendUint32(b, 16, m.FecRoots)
	return b
}

func (m *PartitionUpdate) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.PartitionName)
	case 2:
		return consumeBool(typ, b, &m.RunPostinstall)
	case 3:
		return consumeString(typ, b, &m.PostinstallPath)
	case 4:
		return consumeString(typ, b, &m.FilesystemType)
	case 5:
		s := &Signatures_Signature{}
		n, err := consumeMessage(typ, b, s)
		if err == nil {
			m.NewPartitionSignature = append(m.NewPartitionSignature, s)
		}
		return n, err
	case 6:
		m.OldPartitionInfo = &PartitionInfo{}
		return consumeMessage(typ, b, m.OldPartitionInfo)
	case 7:
		m.NewPartitionInfo = &PartitionInfo{}
		return consumeMessage(typ, b, m.NewPartitionInfo)
	case 8:
		op := &InstallOperation{}
		n, err := consumeMessage(typ, b, op)
		if err == nil {
			m.Operations = append(m.Operations, op)
		}
		return n, err
	case 9:
		return consumeBool(typ, b, &m.PostinstallOptional)
	case 10:
		m.HashTreeDataExtent = &Extent{}
		return consumeMessage(typ, b, m.HashTreeDataExtent)
	case 11:
		m.HashTreeExtent = &Extent{}
		return consumeMessage(typ, b, m.HashTreeExtent)
	case 12:
		return consumeString(typ, b, &m.HashTreeAlgorithm)
	case 13:
		return consumeBytes(typ, b, &m.HashTreeSalt)
	case 14:
		m.FecDataExtent = &Extent{}
		return consumeMessage(typ, b, m.FecDataExtent)
	case 15:
		m.FecExtent = &Extent{}
		return consumeMessage(typ, b, m.FecExtent)
	case 16:
		return consumeUint32(typ, b, &m.FecRoots)
	}
	return skip, nil
}

func (m *DynamicPartitionGroup) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	b = appendUint64(b, 2, m.Size)
	for i := range m.PartitionNames {
		b = appendString(b, 3, &m.PartitionNames[i])
	}
	return b
}

func (m *DynamicPartitionGroup) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.Name)
	case 2:
		return consumeUint64(typ, b, &m.Size)
	case 3:
		var s *string
		n, err := consumeString(typ, b, &s)
		if err == nil {
			m.PartitionNames = append(m.PartitionNames, *s)
		}
		return n, err
	}
	return skip, nil
}

func (m *DynamicPartitionMetadata) appendFields(b []byte) []byte {
	for _, g := range m.Groups {
		b = appendMessage(b, 1, g)
	}
	return b
}

func (m *DynamicPartitionMetadata) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		g := &DynamicPartitionGroup{}
		n, err := consumeMessage(typ, b, g)
		if err == nil {
			m.Groups = append(m.Groups, g)
		}
		return n, err
	}
	return skip, nil
}

func (m *DeltaArchiveManifest) appendFields(b []byte) []byte {
	for _, op := range m.InstallOperations {
		b = appendMessage(b, 1, op)
	}
	for _, op := range m.KernelInstallOperations {
		b = appendMessage(b, 2, op)
	}
	b = appendUint32(b, 3, m.BlockSize)
	b = appendUint64(b, 4, m.SignaturesOffset)
	b = appendUint64(b, 5, m.SignaturesSize)
	for _, f := range []struct {
		num  protowire.Number
		info *PartitionInfo
	}{
		{6, m.OldKernelInfo},
		{7, m.NewKernelInfo},
		{8, m.OldRootfsInfo},
		{9, m.NewRootfsInfo},
	} {
		if f.info != nil {
			b = appendMessage(b, f.num, f.info)
		}
	}
	if m.OldImageInfo != nil {
		b = appendMessage(b, 10, m.OldImageInfo)
	}
	if m.NewImageInfo != nil {
		b = appendMessage(b, 11, m.NewImageInfo)
	}
	b = appendUint32(b, 12, m.MinorVersion)
	for _, p := range m.Partitions {
		b = appendMessage(b, 13, p)
	}
	b = appendInt64(b, 14, m.MaxTimestamp)
	if m.DynamicPartitionMetadata != nil {
		b = appendMessage(b, 15, m.DynamicPartitionMetadata)
	}
	return b
}

func (m *DeltaArchiveManifest) unmarshalField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1, 2:
		op := &InstallOperation{}
		n, err := consumeMessage(typ, b, op)
		if err != nil {
			return 0, err
		}
		if num == 1 {
			m.InstallOperations = append(m.InstallOperations, op)
		} else {
			m.KernelInstallOperations = append(m.KernelInstallOperations, op)
		}
		return n, nil
	case 3:
		return consumeUint32(typ, b, &m.BlockSize)
	case 4:
		return consumeUint64(typ, b, &m.SignaturesOffset)
	case 5:
		return consumeUint64(typ, b, &m.SignaturesSize)
	case 6:
		m.OldKernelInfo = &PartitionInfo{}
		return consumeMessage(typ, b, m.OldKernelInfo)
	case 7:
		m.NewKernelInfo = &PartitionInfo{}
		return consumeMessage(typ, b, m.NewKernelInfo)
	case 8:
		m.OldRootfsInfo = &PartitionInfo{}
		return consumeMessage(typ, b, m.OldRootfsInfo)
	case 9:
		m.NewRootfsInfo = &PartitionInfo{}
		return consumeMessage(typ, b, m.NewRootfsInfo)
	case 10:
		m.OldImageInfo = &ImageInfo{}
		return consumeMessage(typ, b, m.OldImageInfo)
	case 11:
		m.NewImageInfo = &ImageInfo{}
		return consumeMessage(typ, b, m.NewImageInfo)
	case 12:
		return consumeUint32(typ, b, &m.MinorVersion)
	case 13:
		p := &PartitionUpdate{}
		n, err := consumeMessage(typ, b, p)
		if err == nil {
			m.Partitions = append(m.Partitions, p)
		}
		return n, err
	case 14:
		return consumeInt64(typ, b, &m.MaxTimestamp)
	case 15:
		m.DynamicPartitionMetadata = &DynamicPartitionMetadata{}
		return consumeMessage(typ, b, m.DynamicPartitionMetadata)
	}
	return skip, nil
}
