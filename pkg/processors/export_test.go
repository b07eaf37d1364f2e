package processors

import "github.com/sandboxws/isotope/query/pkg/block"

// Route exposes route to the external test package.
func (p *Partitioner) Route(b *block.Block, target int) { p.route(b, target) }
