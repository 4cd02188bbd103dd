// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP compression for message batches.

Batches sent over the durable HTTP channel are compressed when they exceed a
configured size and marked with Content-Encoding: gzip:

	compressor := compression.NewCompressor()
	if compression.ShouldCompress(len(body), threshold) {
	    body, err = compressor.Compress(body)
	}

Receivers decompress with a bound on the output size so that a small
compressed body cannot expand without limit:

	body, err := compressor.WithMaxSize(maxBatch).DecompressReader(r.Body)
*/
package compression
