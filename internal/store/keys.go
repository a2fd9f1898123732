package store

import "encoding/binary"

// Key prefixes for BadgerDB storage
const (
	userKeyPrefix      = "user:"       // user:<id>            -> models.User
	userNameKeyPrefix  = "user_name:"  // user_name:<username> -> <id>
	groupKeyPrefix     = "group:"      // group:<id>           -> models.Group
	groupNameKeyPrefix = "group_name:" // group_name:<name>    -> <id>
	memberKeyPrefix    = "member:"     // member:<group>:<user> -> models.Membership
	messageKeyPrefix   = "msg:"        // msg:<group>:<id>     -> models.StoredMessage
	sessionKeyPrefix   = "session:"    // session:<token>      -> sessionRecord

	seqUsersKey    = "seq:users"
	seqGroupsKey   = "seq:groups"
	seqMessagesKey = "seq:messages"
)

// idKey appends each id big-endian after prefix, separated by ':'.
func idKey(prefix string, ids ...int64) []byte {
	k := make([]byte, 0, len(prefix)+9*len(ids))
	k = append(k, prefix...)
	for i, id := range ids {
		if i > 0 {
			k = append(k, ':')
		}
		k = binary.BigEndian.AppendUint64(k, uint64(id))
	}
	return k
}

// idFromKey decodes the trailing 8-byte id of a key built by idKey.
func idFromKey(k []byte) int64 {
	if len(k) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k[len(k)-8:]))
}

func encodeID(id int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func decodeID(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

// nameKey builds a unique-name index key. Names are matched exactly.
func nameKey(prefix, name string) []byte {
	return []byte(prefix + name)
}

// messagePrefix selects every message of one group.
func messagePrefix(group int64) []byte {
	return append(idKey(messageKeyPrefix, group), ':')
}
