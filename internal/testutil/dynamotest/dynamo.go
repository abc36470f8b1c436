// Package dynamotest is an in-memory DynamoDB stand-in for unit tests.
//
// It understands the expression subset the stores issue: SET clauses with plain values,
// if_not_exists and numeric +, and conditions built from attribute_exists,
// attribute_not_exists, = and <>, combined with AND, OR and parentheses. Query supports a single equality key condition on
// the table hash key or on a registered index.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

type index struct {
	hash     string
	rangeKey string
}

type table struct {
	hashKey string
	items   map[string]item
	indexes map[string]index
}

// Fake implements the DynamoDBAPI interface used by the stores.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table
	fail   map[string]error
	calls  map[string]int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		tables: map[string]*table{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table keyed by hashKey.
func (f *Fake) CreateTable(name, hashKey string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{hashKey: hashKey, items: map[string]item{}, indexes: map[string]index{}}
	return f
}

// AddIndex registers a global secondary index. rangeKey may be empty.
func (f *Fake) AddIndex(tableName, indexName, hashKey, rangeKey string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableName].indexes[indexName] = index{hash: hashKey, rangeKey: rangeKey}
	return f
}

// FailNext makes the next call of op ("PutItem", "GetItem", "UpdateItem", "Query") return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns a copy of every item in tableName.
func (f *Fake) Items(tableName string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[tableName]
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(t.items[k]))
	}
	return out
}

// Item returns a copy of the item with hash key value key, or nil.
func (f *Fake) Item(tableName, key string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[tableName]
	if t == nil || t.items[key] == nil {
		return nil
	}
	return copyItem(t.items[key])
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *Fake) lookup(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("dynamotest: missing table name")
	}
	t, ok := f.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: name}
	}
	return t, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	kv, ok := in.Item[t.hashKey]
	if !ok {
		return nil, fmt.Errorf("dynamotest: item is missing hash key %q", t.hashKey)
	}
	k := keyString(kv)
	existing := t.items[k]
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
		}
	}
	t.items[k] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	it, ok := t.items[keyString(in.Key[t.hashKey])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	kv, ok := in.Key[t.hashKey]
	if !ok {
		return nil, fmt.Errorf("dynamotest: key is missing hash key %q", t.hashKey)
	}
	k := keyString(kv)
	existing := t.items[k]

	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
		}
	}

	next := copyItem(existing)
	if next == nil {
		next = item{}
	}
	next[t.hashKey] = kv
	if in.UpdateExpression != nil {
		if err := applySet(*in.UpdateExpression, existing, next, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	t.items[k] = next

	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew || in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = copyItem(next)
	}
	return out, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	hashAttr, rangeAttr := t.hashKey, ""
	if in.IndexName != nil {
		idx, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %q", *in.IndexName)
		}
		hashAttr, rangeAttr = idx.hash, idx.rangeKey
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("dynamotest: missing key condition")
	}
	parts := strings.Fields(*in.KeyConditionExpression)
	if len(parts) != 3 || parts[1] != "=" {
		return nil, fmt.Errorf("dynamotest: unsupported key condition %q", *in.KeyConditionExpression)
	}
	attr := resolveName(parts[0], in.ExpressionAttributeNames)
	if attr != hashAttr {
		return nil, fmt.Errorf("dynamotest: key condition on %q, index hash key is %q", attr, hashAttr)
	}
	want, ok := in.ExpressionAttributeValues[parts[2]]
	if !ok {
		return nil, fmt.Errorf("dynamotest: missing value %s", parts[2])
	}

	var matched []item
	for _, it := range t.items {
		if v, ok := it[attr]; ok && reflect.DeepEqual(v, want) {
			matched = append(matched, it)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if rangeAttr == "" {
			return keyString(matched[i][t.hashKey]) < keyString(matched[j][t.hashKey])
		}
		a, b := keyString(matched[i][rangeAttr]), keyString(matched[j][rangeAttr])
		if in.ScanIndexForward != nil && !*in.ScanIndexForward {
			return a > b
		}
		return a < b
	})
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}

	out := &dyn.QueryOutput{Count: int32(len(matched))}
	for _, it := range matched {
		out.Items = append(out.Items, copyItem(it))
	}
	return out, nil
}

// Update expressions.

func applySet(expr string, existing, next item, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("dynamotest: only SET expressions are supported, got %q", expr)
	}
	for _, clause := range splitTopLevel(strings.TrimPrefix(expr, "SET ")) {
		lhs, rhs, ok := strings.Cut(clause, "=")
		if !ok {
			return fmt.Errorf("dynamotest: bad SET clause %q", clause)
		}
		attr := resolveName(strings.TrimSpace(lhs), names)
		rhs = strings.TrimSpace(rhs)

		if left, right, ok := strings.Cut(rhs, " + "); ok {
			a, err := operand(strings.TrimSpace(left), existing, names, values)
			if err != nil {
				return err
			}
			b, err := operand(strings.TrimSpace(right), existing, names, values)
			if err != nil {
				return err
			}
			sum, err := addNumbers(a, b)
			if err != nil {
				return err
			}
			next[attr] = sum
			continue
		}
		v, err := operand(rhs, existing, names, values)
		if err != nil {
			return err
		}
		next[attr] = v
	}
	return nil
}

func operand(expr string, existing item, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	if strings.HasPrefix(expr, "if_not_exists(") && strings.HasSuffix(expr, ")") {
		args := strings.Split(strings.TrimSuffix(strings.TrimPrefix(expr, "if_not_exists("), ")"), ",")
		if len(args) != 2 {
			return nil, fmt.Errorf("dynamotest: bad if_not_exists %q", expr)
		}
		path := resolveName(strings.TrimSpace(args[0]), names)
		if cur, ok := existing[path]; ok {
			return cur, nil
		}
		expr = strings.TrimSpace(args[1])
	}
	if strings.HasPrefix(expr, ":") {
		v, ok := values[expr]
		if !ok {
			return nil, fmt.Errorf("dynamotest: missing value %s", expr)
		}
		return v, nil
	}
	v, ok := existing[resolveName(expr, names)]
	if !ok {
		return nil, fmt.Errorf("dynamotest: attribute %s does not exist", expr)
	}
	return v, nil
}

func addNumbers(a, b types.AttributeValue) (types.AttributeValue, error) {
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if !aok || !bok {
		return nil, errors.New("dynamotest: + needs number operands")
	}
	x, err := strconv.ParseInt(an.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("dynamotest: %w", err)
	}
	y, err := strconv.ParseInt(bn.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("dynamotest: %w", err)
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(x+y, 10)}, nil
}

func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

// Condition expressions.

type condParser struct {
	toks   []string
	pos    int
	it     item
	names  map[string]string
	values map[string]types.AttributeValue
}

func evalCondition(expr string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	p := &condParser{toks: tokenize(expr), it: it, names: names, values: values}
	ok, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("dynamotest: trailing tokens in condition %q", expr)
	}
	return ok, nil
}

func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch r {
		case '(', ')', ',':
			flush()
			toks = append(toks, string(r))
		case ' ', '\t', '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

func (p *condParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) or() (bool, error) {
	left, err := p.and()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		right, err := p.and()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *condParser) and() (bool, error) {
	left, err := p.factor()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.factor()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *condParser) factor() (bool, error) {
	tok := p.next()
	switch tok {
	case "(":
		v, err := p.or()
		if err != nil {
			return false, err
		}
		if p.next() != ")" {
			return false, errors.New("dynamotest: unbalanced parentheses")
		}
		return v, nil
	case "attribute_exists", "attribute_not_exists":
		if p.next() != "(" {
			return false, fmt.Errorf("dynamotest: expected ( after %s", tok)
		}
		path := resolveName(p.next(), p.names)
		if p.next() != ")" {
			return false, fmt.Errorf("dynamotest: expected ) after %s path", tok)
		}
		_, exists := p.it[path]
		if tok == "attribute_exists" {
			return exists, nil
		}
		return !exists, nil
	case "":
		return false, errors.New("dynamotest: unexpected end of condition")
	}

	path := resolveName(tok, p.names)
	op := p.next()
	placeholder := p.next()
	want, ok := p.values[placeholder]
	if !ok {
		return false, fmt.Errorf("dynamotest: missing value %s", placeholder)
	}
	cur, exists := p.it[path]
	switch op {
	case "=":
		return exists && reflect.DeepEqual(cur, want), nil
	case "<>":
		// comparisons against a missing attribute are false, as in DynamoDB
		return exists && !reflect.DeepEqual(cur, want), nil
	default:
		return false, fmt.Errorf("dynamotest: unsupported operator %q", op)
	}
}

func resolveName(tok string, names map[string]string) string {
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

func keyString(v types.AttributeValue) string {
	switch a := v.(type) {
	case *types.AttributeValueMemberS:
		return a.Value
	case *types.AttributeValueMemberN:
		return a.Value
	default:
		return fmt.Sprintf("%v", v)
	}
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }
