package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeServerTXT creates the TXT record for a server.
func EncodeServerTXT(info *ServerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion: strconv.Itoa(ProtocolVersion),
	}
	if info.Name != "" {
		txt[TXTKeyName] = info.Name
	}
	if info.Records > 0 {
		txt[TXTKeyRecords] = strconv.Itoa(info.Records)
	}
	return txt
}

// DecodeServerTXT parses a server TXT record and returns the announced
// protocol version. Servers speaking a newer major version are rejected.
func DecodeServerTXT(txt TXTRecordMap) (*ServerInfo, int, error) {
	vStr, ok := txt[TXTKeyVersion]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	version, err := strconv.Atoi(vStr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyVersion, vStr)
	}
	if version < 1 || version > ProtocolVersion {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	info := &ServerInfo{Name: txt[TXTKeyName]}
	if s, ok := txt[TXTKeyRecords]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyRecords, s)
		}
		info.Records = n
	}
	return info, version, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value"
// strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
