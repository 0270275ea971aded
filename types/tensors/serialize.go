/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package tensors

import (
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/shapes"
)

// GobSerialize the tensor to the encoder: the shape followed by the flat
// values in native byte order.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstBytes(func(data []byte) {
		err = encoder.Encode(data)
	})
	if err != nil {
		err = errors.Wrapf(err, "failed to serialize Tensor data %s", t.shape)
	}
	return
}

// GobDeserialize a Tensor written by Tensor.GobSerialize. Returns a new
// Tensor or an error.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err = decoder.Decode(&data); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor data %s", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("deserialized Tensor data has %d bytes, shape %s requires %d",
			len(data), shape, shape.Memory())
	}
	t := FromShape(shape)
	t.MutableBytes(func(mine []byte) {
		copy(mine, data)
	})
	return t, nil
}
