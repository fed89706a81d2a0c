package metrics

// Histogram bucket layouts shared by the collectors in this package.
const (
	// BucketStart1ms starts latency histograms at 1ms.
	BucketStart1ms = 0.001
	// BucketStart64B starts size histograms at 64 bytes.
	BucketStart64B = 64.0
	// BucketStart100B starts response size histograms at 100 bytes.
	BucketStart100B = 100.0

	BucketFactor2  = 2
	BucketFactor10 = 10

	BucketCount6  = 6
	BucketCount10 = 10
	BucketCount12 = 12
)
