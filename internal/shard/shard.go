// Package shard derives partition keys for the DynamoDB index tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// Count clamps a configured shard count into 1..256.
func Count(numShards int) int {
	switch {
	case numShards < 1:
		return 1
	case numShards > 256:
		return 256
	}
	return numShards
}

// PK returns the partition key of shard n of ownerRef.
func PK(ownerRef string, n int) string {
	return fmt.Sprintf("%s#%02x", ownerRef, n)
}

// RelationshipPK computes the partition key holding the link from ownerRef to
// relatedRef. With numShards=1 every link of an owner lands on shard "00";
// otherwise links spread by the hash of relatedRef.
func RelationshipPK(ownerRef, relatedRef string, numShards int) string {
	numShards = Count(numShards)
	if numShards == 1 {
		return PK(ownerRef, 0)
	}
	h := fnv.New32a()
	h.Write([]byte(relatedRef))
	return PK(ownerRef, int(h.Sum32()%uint32(numShards)))
}

// ValuePK computes a hash-distributed partition key for a property value, so
// each value of an index lands on its own partition.
func ValuePK(scope, property, value string) string {
	data := fmt.Sprintf("%d:%s#%d:%s#%s", len(scope), scope, len(property), property, value)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16])
}
