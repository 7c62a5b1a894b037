package kafka

import (
	"testing"

	"github.com/linkedin/goavro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaLess(t *testing.T) {
	t.Run("string passes through", func(t *testing.T) {
		data, err := SchemaLess[string]{}.Serialize("t", "hello")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)

		v, err := SchemaLess[string]{}.Deserialize("t", data)
		require.NoError(t, err)
		assert.Equal(t, "hello", v)
	})

	t.Run("bytes pass through", func(t *testing.T) {
		in := []byte{0x0, 0xff}
		data, err := SchemaLess[[]byte]{}.Serialize("t", in)
		require.NoError(t, err)
		assert.Equal(t, in, data)

		out, err := SchemaLess[[]byte]{}.Deserialize("t", data)
		require.NoError(t, err)
		assert.Equal(t, in, out)

		// The result does not alias the client library's buffer.
		data[0] = 0x1
		assert.Equal(t, byte(0x0), out[0])
	})

	t.Run("structs use json", func(t *testing.T) {
		data, err := SchemaLess[order]{}.Serialize("t", order{ID: "o-1", Amount: 2})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"o-1","amount":2}`, string(data))

		v, err := SchemaLess[order]{}.Deserialize("t", data)
		require.NoError(t, err)
		assert.Equal(t, order{ID: "o-1", Amount: 2}, v)
	})

	t.Run("empty payload is the zero value", func(t *testing.T) {
		v, err := SchemaLess[*order]{}.Deserialize("t", nil)
		require.NoError(t, err)
		assert.Nil(t, v)

		n, err := SchemaLess[int]{}.Deserialize("t", []byte{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := SchemaLess[order]{}.Deserialize("t", []byte("{"))
		assert.Error(t, err)
	})
}

const orderSchema = `{
	"type": "record",
	"name": "Order",
	"fields": [
		{"name": "id", "type": "string"},
		{"name": "amount", "type": "double"}
	]
}`

func TestAvroSerde(t *testing.T) {
	serde, err := NewAvroSerde[order](orderSchema)
	require.NoError(t, err)
	assert.Contains(t, serde.Schema(), `"Order"`)

	data, err := serde.Serialize("orders", order{ID: "o-1", Amount: 12.5})
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	v, err := serde.Deserialize("orders", data)
	require.NoError(t, err)
	assert.Equal(t, order{ID: "o-1", Amount: 12.5}, v)

	_, err = serde.Deserialize("orders", []byte{0x2})
	assert.Error(t, err)
}

func TestAvroSerde_InvalidSchema(t *testing.T) {
	_, err := NewAvroSerde[order](`{"type": "record"}`)
	assert.Error(t, err)
}

const customerSchema = `{
	"type": "record",
	"name": "Customer",
	"namespace": "com.example.crm",
	"fields": [
		{"name": "id", "type": "string"},
		{"name": "email", "type": ["null", "string"], "default": null},
		{"name": "age", "type": ["null", "int"], "default": null},
		{"name": "tags", "type": {"type": "array", "items": "string"}},
		{"name": "address", "type": ["null", {
			"type": "record",
			"name": "Address",
			"fields": [
				{"name": "city", "type": "string"},
				{"name": "zip", "type": ["null", "string"], "default": null}
			]
		}], "default": null},
		{"name": "tier", "type": "string", "default": "standard"}
	]
}`

type address struct {
	City string  `json:"city"`
	Zip  *string `json:"zip"`
}

type customer struct {
	ID      string   `json:"id"`
	Email   *string  `json:"email"`
	Age     *int     `json:"age,omitempty"`
	Tags    []string `json:"tags"`
	Address *address `json:"address"`
	Tier    string   `json:"tier,omitempty"`
}

func TestAvroSerde_NullableFields(t *testing.T) {
	serde, err := NewAvroSerde[customer](customerSchema)
	require.NoError(t, err)

	email, zip, age := "ada@example.com", "75001", 36
	tests := []struct {
		name string
		in   customer
		want customer
	}{
		{
			name: "set",
			in: customer{
				ID: "c-1", Email: &email, Age: &age, Tags: []string{"vip"},
				Address: &address{City: "Paris", Zip: &zip}, Tier: "gold",
			},
			want: customer{
				ID: "c-1", Email: &email, Age: &age, Tags: []string{"vip"},
				Address: &address{City: "Paris", Zip: &zip}, Tier: "gold",
			},
		},
		{
			name: "null and defaults",
			in:   customer{ID: "c-2", Tags: []string{}},
			want: customer{ID: "c-2", Tags: []string{}, Tier: "standard"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := serde.Serialize("customers", tt.in)
			require.NoError(t, err)

			got, err := serde.Deserialize("customers", data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAvroSerde_NullableFieldsMatchCodec(t *testing.T) {
	serde, err := NewAvroSerde[customer](customerSchema)
	require.NoError(t, err)

	codec, err := goavro.NewCodec(customerSchema)
	require.NoError(t, err)

	email := "ada@example.com"
	data, err := serde.Serialize("customers", customer{
		ID: "c-1", Email: &email, Tags: []string{"a", "b"},
		Address: &address{City: "Lyon"},
	})
	require.NoError(t, err)

	want, err := codec.BinaryFromNative(nil, map[string]any{
		"id":    "c-1",
		"email": goavro.Union("string", email),
		"age":   nil,
		"tags":  []any{"a", "b"},
		"address": goavro.Union("com.example.crm.Address", map[string]any{
			"city": "Lyon",
			"zip":  nil,
		}),
		"tier": "standard",
	})
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestAvroSerde_UnionMismatch(t *testing.T) {
	serde, err := NewAvroSerde[map[string]any](customerSchema)
	require.NoError(t, err)

	_, err = serde.Serialize("customers", map[string]any{
		"id":   "c-1",
		"age":  "thirty",
		"tags": []string{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "age")
}
