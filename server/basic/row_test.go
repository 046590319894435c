package basic

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xlitedb/util"
)

func employeesSchema() *Schema {
	return NewSchema(
		Column{Name: "id", Type: TypeInt},
		Column{Name: "first_name", Type: TypeText},
		Column{Name: "last_name", Type: TypeText},
		Column{Name: "manager_id", Type: TypeInt},
		Column{Name: "join_date", Type: TypeDate},
		Column{Name: "billable_hours", Type: TypeFloat},
		Column{Name: "rate", Type: TypeDecimal, Nullable: true},
		Column{Name: "active", Type: TypeBool, Nullable: true},
	)
}

func TestRowRoundTrip(t *testing.T) {
	schema := employeesSchema()
	require.NoError(t, schema.Validate())

	row := Row{
		NewIntValue(1),
		NewTextValue("Luke"),
		NewTextValue("Jackson"),
		NewIntValue(-7),
		NewDateValue(time.Date(1967, 3, 18, 15, 4, 0, 0, time.UTC)),
		NewFloatValue(200.5),
		NewDecimalValue(decimal.RequireFromString("12.3400")),
		NewNullValue(TypeBool),
	}
	data, err := EncodeRow(schema, row)
	require.NoError(t, err)

	decoded, err := DecodeRow(schema, data)
	require.NoError(t, err)
	assert.True(t, row.Equal(decoded), "got %s", decoded)
	assert.Equal(t, "1967-03-18", decoded[4].ToString())
	assert.True(t, decoded[7].IsNull())
}

func TestDecodeRowTruncated(t *testing.T) {
	schema := employeesSchema()
	row := Row{
		NewIntValue(1), NewTextValue("a"), NewTextValue("b"), NewIntValue(2),
		NewDateValue(time.Now()), NewFloatValue(1), NewNullValue(TypeDecimal), NewBoolValue(true),
	}
	data, err := EncodeRow(schema, row)
	require.NoError(t, err)

	_, err = DecodeRow(schema, data[:len(data)-2])
	assert.ErrorIs(t, err, ErrCorruptPage)
}

func TestValidateRow(t *testing.T) {
	schema := NewSchema(
		Column{Name: "id", Type: TypeInt},
		Column{Name: "name", Type: TypeText, Nullable: true},
	)
	assert.NoError(t, schema.ValidateRow(Row{NewIntValue(1), NewNullValue(TypeText)}))
	assert.ErrorIs(t, schema.ValidateRow(Row{NewIntValue(1)}), ErrSchemaMismatch)
	assert.ErrorIs(t, schema.ValidateRow(Row{NewTextValue("1"), NewTextValue("a")}), ErrSchemaMismatch)
	assert.ErrorIs(t, schema.ValidateRow(Row{NewNullValue(TypeInt), NewTextValue("a")}), ErrSchemaMismatch)
}

func TestSchemaValidate(t *testing.T) {
	assert.ErrorIs(t, NewSchema().Validate(), ErrSchemaMismatch)
	assert.ErrorIs(t, NewSchema(Column{Name: "a", Type: TypeInt}, Column{Name: "a", Type: TypeText}).Validate(), ErrSchemaMismatch)
	assert.ErrorIs(t, NewSchema(Column{Name: "", Type: TypeInt}).Validate(), ErrSchemaMismatch)
	assert.ErrorIs(t, NewSchema(Column{Name: "a", Type: ColumnType(99)}).Validate(), ErrSchemaMismatch)
}

func TestSchemaEncoding(t *testing.T) {
	schema := employeesSchema()
	data := EncodeSchema(nil, schema)
	decoded, err := DecodeSchema(util.NewBufferReader(data))
	require.NoError(t, err)
	assert.True(t, schema.Equal(decoded))
	assert.Equal(t, 4, decoded.ColumnIndex("join_date"))
	assert.Equal(t, -1, decoded.ColumnIndex("missing"))
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(TypeInt, " 42 ")
	require.NoError(t, err)
	assert.True(t, v.Equal(NewIntValue(42)))

	v, err = ParseValue(TypeText, `"Luke"`)
	require.NoError(t, err)
	assert.Equal(t, "Luke", v.ToString())

	v, err = ParseValue(TypeDate, "3/18/1967")
	require.NoError(t, err)
	assert.Equal(t, "1967-03-18", v.ToString())

	v, err = ParseValue(TypeDecimal, "1.50")
	require.NoError(t, err)
	assert.True(t, v.Equal(NewDecimalValue(decimal.RequireFromString("1.5"))))

	v, err = ParseValue(TypeBool, "null")
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	_, err = ParseValue(TypeInt, "abc")
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestNullNeverEqual(t *testing.T) {
	assert.False(t, NewNullValue(TypeInt).Equal(NewNullValue(TypeInt)))
	assert.False(t, NewIntValue(1).Equal(NewNullValue(TypeInt)))
	assert.False(t, NewIntValue(1).Equal(NewFloatValue(1)))
}

func TestRowID(t *testing.T) {
	id := NewRowID(70000, 12)
	assert.Equal(t, uint32(70000), id.Page())
	assert.Equal(t, uint16(12), id.Slot())
	assert.Equal(t, "70000:12", id.String())
}

func TestStorageError(t *testing.T) {
	err := NewIOError("flush", assert.AnError)
	assert.True(t, IsIOFailure(err))
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, IsCorruptPage(err))
	assert.Contains(t, err.Error(), "flush: io failure")
	assert.Nil(t, NewIOError("noop", nil))

	corrupt := NewError("read", ErrCorruptPage, nil)
	assert.True(t, IsCorruptPage(corrupt))
	assert.Equal(t, "read: corrupt page", corrupt.Error())
}
