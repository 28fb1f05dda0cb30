package types

import "github.com/xtxerr/coreset/internal/errors"

// Method names the clustering method a storage feeds.
// It is recorded and checked on unpack; storage behaviour does not depend on it.
type Method string

const (
	MethodKMeans Method = "kmeans"
	MethodGMM    Method = "gmm"
)

// ParseMethod validates a method name.
func ParseMethod(name string) (Method, error) {
	switch Method(name) {
	case MethodKMeans, MethodGMM:
		return Method(name), nil
	default:
		return "", errors.NewUnsupportedMethod(name)
	}
}

// String returns the method name.
func (m Method) String() string {
	return string(m)
}

// CompressorMethod selects the storage variant.
type CompressorMethod string

const (
	// CompressorSimple keeps the newest bucket_size points, uncompressed.
	CompressorSimple CompressorMethod = "simple"
	// CompressorCompressive runs the bucket, coreset and forgetting pipeline.
	CompressorCompressive CompressorMethod = "compressive"
)

// ParseCompressorMethod validates a compressor method name.
func ParseCompressorMethod(name string) (CompressorMethod, error) {
	switch CompressorMethod(name) {
	case CompressorSimple, CompressorCompressive:
		return CompressorMethod(name), nil
	default:
		return "", errors.NewUnsupportedMethod(name)
	}
}

// String returns the compressor method name.
func (c CompressorMethod) String() string {
	return string(c)
}
