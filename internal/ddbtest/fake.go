// Package ddbtest provides an in-memory DynamoDB fake for tests.
//
// It understands the subset of the expression language the graft stores
// emit: key conditions and condition expressions built from comparisons,
// attribute_exists / attribute_not_exists, AND, OR and parentheses, and
// update expressions with SET (plain values) and REMOVE clauses.
package ddbtest

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type table struct {
	hash, rng string
	items     map[string]map[string]types.AttributeValue
}

// Fake is an in-memory DynamoDB. It is safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table
	calls  map[string]int
	fail   map[string]error

	// Unprocessed is the number of BatchWriteItem requests still to be
	// handed back unprocessed. Each call returns as many as it can.
	Unprocessed int
}

// New creates a Fake without tables.
func New() *Fake {
	return &Fake{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
		fail:   make(map[string]error),
	}
}

// CreateTable adds a table with a hash key and an optional range key.
func (f *Fake) CreateTable(name, hashKey, rangeKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{hash: hashKey, rng: rangeKey, items: make(map[string]map[string]types.AttributeValue)}
}

// FailNext makes the next call of op ("PutItem", "Query", ...) return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// Calls returns how often op was called.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns copies of every item of a table ordered by key.
func (f *Fake) Items(name string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, len(keys))
	for i, k := range keys {
		out[i] = clone(t.items[k])
	}
	return out
}

// Put writes an item directly, bypassing conditions.
func (f *Fake) Put(name string, item map[string]types.AttributeValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(name)
	if err != nil {
		return err
	}
	k, err := t.key(item)
	if err != nil {
		return err
	}
	t.items[k] = clone(item)
	return nil
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *Fake) table(name string) (*table, error) {
	t, ok := f.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + name)}
	}
	return t, nil
}

func (t *table) key(item map[string]types.AttributeValue) (string, error) {
	h, ok := item[t.hash]
	if !ok {
		return "", fmt.Errorf("ddbtest: missing hash key %s", t.hash)
	}
	k := render(h)
	if t.rng != "" {
		r, ok := item[t.rng]
		if !ok {
			return "", fmt.Errorf("ddbtest: missing range key %s", t.rng)
		}
		k += "\x00" + render(r)
	}
	return k, nil
}

func render(av types.AttributeValue) string {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return "S" + x.Value
	case *types.AttributeValueMemberN:
		return "N" + x.Value
	case *types.AttributeValueMemberB:
		return "B" + string(x.Value)
	}
	return fmt.Sprintf("%T", av)
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *Fake) check(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	if expr == nil || *expr == "" {
		return nil
	}
	ok, err := evaluate(*expr, item, names, values)
	if err != nil {
		return err
	}
	if !ok {
		return conditionFailed()
	}
	return nil
}

func (f *Fake) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: clone(t.items[k])}, nil
}

func (f *Fake) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.key(in.Item)
	if err != nil {
		return nil, err
	}
	if err := f.check(in.ConditionExpression, t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	t.items[k] = clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	if err := f.check(in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	next := clone(current)
	if next == nil {
		next = clone(in.Key)
	}
	if err := applyUpdate(aws.ToString(in.UpdateExpression), next, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	t.items[k] = next
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *Fake) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteItem"); err != nil {
		return nil, err
	}
	t, err := f.table(aws.ToString(in.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.key(in.Key)
	if err != nil {
		return nil, err
	}
	if err := f.check(in.ConditionExpression, t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query evaluates the key condition and filter against every item of the
// table and returns the matches in key order on a single page.
func (f *Fake) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	out, err := f.match(aws.ToString(in.TableName), in.KeyConditionExpression, in.FilterExpression,
		in.ExpressionAttributeNames, in.ExpressionAttributeValues, in.Limit)
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

// Scan returns every item matching the filter in key order on a single page.
func (f *Fake) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Scan"); err != nil {
		return nil, err
	}
	out, err := f.match(aws.ToString(in.TableName), nil, in.FilterExpression,
		in.ExpressionAttributeNames, in.ExpressionAttributeValues, in.Limit)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *Fake) match(name string, keyCond, filter *string, names map[string]string, values map[string]types.AttributeValue, limit *int32) ([]map[string]types.AttributeValue, error) {
	t, err := f.table(name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []map[string]types.AttributeValue
	for _, k := range keys {
		item := t.items[k]
		ok := true
		for _, expr := range []*string{keyCond, filter} {
			if !ok || expr == nil || *expr == "" {
				continue
			}
			if ok, err = evaluate(*expr, item, names, values); err != nil {
				return nil, err
			}
		}
		if ok {
			out = append(out, clone(item))
		}
		if limit != nil && len(out) == int(*limit) {
			break
		}
	}
	return out, nil
}

func (f *Fake) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("BatchWriteItem"); err != nil {
		return nil, err
	}
	unprocessed := make(map[string][]types.WriteRequest)
	for name, requests := range in.RequestItems {
		t, err := f.table(name)
		if err != nil {
			return nil, err
		}
		if f.Unprocessed > 0 && len(requests) > 0 {
			n := min(f.Unprocessed, len(requests))
			f.Unprocessed -= n
			unprocessed[name] = requests[len(requests)-n:]
			requests = requests[:len(requests)-n]
		}
		for _, r := range requests {
			switch {
			case r.PutRequest != nil:
				k, err := t.key(r.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				t.items[k] = clone(r.PutRequest.Item)
			case r.DeleteRequest != nil:
				k, err := t.key(r.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				delete(t.items, k)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: unprocessed}, nil
}

// applyUpdate applies "SET a = :v, ... REMOVE b, ..." to item.
func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	var set, remove string
	rest := strings.TrimSpace(expr)
	if i := strings.Index(rest, "REMOVE "); i >= 0 {
		remove = rest[i+len("REMOVE "):]
		rest = strings.TrimSpace(rest[:i])
	}
	if strings.HasPrefix(rest, "SET ") {
		set = rest[len("SET "):]
	} else if rest != "" {
		return fmt.Errorf("ddbtest: unsupported update expression %q", expr)
	}
	if set != "" {
		for _, clause := range strings.Split(set, ",") {
			lhs, rhs, ok := strings.Cut(clause, "=")
			if !ok {
				return fmt.Errorf("ddbtest: bad SET clause %q", clause)
			}
			v, ok := values[strings.TrimSpace(rhs)]
			if !ok {
				return fmt.Errorf("ddbtest: unknown value %q", rhs)
			}
			item[resolve(strings.TrimSpace(lhs), names)] = v
		}
	}
	if remove != "" {
		for _, name := range strings.Split(remove, ",") {
			delete(item, resolve(strings.TrimSpace(name), names))
		}
	}
	return nil
}

func resolve(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

// evaluate evaluates a condition expression against item. A nil item has
// no attributes.
func evaluate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	p := &parser{tokens: tokenize(expr), item: item, names: names, values: values}
	ok, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("ddbtest: trailing tokens in %q", expr)
	}
	return ok, nil
}

func tokenize(expr string) []string {
	var tokens []string
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ':
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case c == '<' || c == '>' || c == '=':
			j := i + 1
			for j < len(expr) && (expr[j] == '=' || expr[j] == '>') {
				j++
			}
			tokens = append(tokens, expr[i:j])
			i = j
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" ()<>=", rune(expr[j])) {
				j++
			}
			tokens = append(tokens, expr[i:j])
			i = j
		}
	}
	return tokens
}

type parser struct {
	tokens []string
	pos    int
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

func (p *parser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) or() (bool, error) {
	left, err := p.and()
	if err != nil {
		return false, err
	}
	for p.peek() == "OR" {
		p.next()
		right, err := p.and()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *parser) and() (bool, error) {
	left, err := p.factor()
	if err != nil {
		return false, err
	}
	for p.peek() == "AND" {
		p.next()
		right, err := p.factor()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *parser) factor() (bool, error) {
	switch tok := p.next(); tok {
	case "(":
		v, err := p.or()
		if err != nil {
			return false, err
		}
		if p.next() != ")" {
			return false, fmt.Errorf("ddbtest: missing )")
		}
		return v, nil
	case "attribute_exists", "attribute_not_exists":
		if p.next() != "(" {
			return false, fmt.Errorf("ddbtest: expected ( after %s", tok)
		}
		name := resolve(p.next(), p.names)
		if p.next() != ")" {
			return false, fmt.Errorf("ddbtest: expected ) after %s", name)
		}
		_, exists := p.item[name]
		return exists == (tok == "attribute_exists"), nil
	default:
		left, lok := p.operand(tok)
		op := p.next()
		right, rok := p.operand(p.next())
		if !lok || !rok {
			return op == "<>", nil
		}
		return compare(left, op, right)
	}
}

func (p *parser) operand(tok string) (types.AttributeValue, bool) {
	if strings.HasPrefix(tok, ":") {
		v, ok := p.values[tok]
		return v, ok
	}
	v, ok := p.item[resolve(tok, p.names)]
	return v, ok
}

func compare(a types.AttributeValue, op string, b types.AttributeValue) (bool, error) {
	var c int
	switch x := a.(type) {
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return op == "<>", nil
		}
		fx, err1 := strconv.ParseFloat(x.Value, 64)
		fy, err2 := strconv.ParseFloat(y.Value, 64)
		if err1 != nil || err2 != nil {
			return false, fmt.Errorf("ddbtest: bad number")
		}
		switch {
		case fx < fy:
			c = -1
		case fx > fy:
			c = 1
		}
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return op == "<>", nil
		}
		c = strings.Compare(x.Value, y.Value)
	default:
		eq := reflect.DeepEqual(a, b)
		switch op {
		case "=":
			return eq, nil
		case "<>":
			return !eq, nil
		}
		return false, fmt.Errorf("ddbtest: cannot order %T", a)
	}
	switch op {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("ddbtest: unknown operator %q", op)
}
